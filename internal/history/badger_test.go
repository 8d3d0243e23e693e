package history

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func newBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()
	db, err := OpenBadger("")
	require.NoError(t, err)
	s, err := NewBadgerStore(db)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		db.Close()
	})
	return s
}

func Test_Badger_Latest_Public_Returns_Newest_Oldest_First(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newBadgerStore(t)

	for i := 1; i <= 60; i++ {
		_, err := s.Append(ctx, publicMsg(i))
		req.NoError(err)
	}

	recs, err := s.LatestPublic(ctx, 50)
	req.NoError(err)
	req.Len(recs, 50)
	for i, rec := range recs {
		req.Equal(fmt.Sprintf("msg-%d", i+11), rec.Content)
	}
	req.Less(recs[0].Seq, recs[49].Seq)
}

func Test_Badger_Default_Limit(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newBadgerStore(t)

	for i := 1; i <= DefaultPublicLimit+5; i++ {
		_, err := s.Append(ctx, publicMsg(i))
		req.NoError(err)
	}

	recs, err := s.LatestPublic(ctx, 0)
	req.NoError(err)
	req.Len(recs, DefaultPublicLimit)
}

func Test_Badger_Duplicate_Append_Is_Absorbed(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newBadgerStore(t)

	first, err := s.Append(ctx, publicMsg(1))
	req.NoError(err)

	again, err := s.Append(ctx, publicMsg(1))
	req.ErrorIs(err, ErrDuplicate)
	req.Equal(first.Seq, again.Seq)
	req.Equal(first.ID, again.ID)

	recs, err := s.LatestPublic(ctx, 10)
	req.NoError(err)
	req.Len(recs, 1)
}

func Test_Badger_Conversation_Is_Symmetric(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newBadgerStore(t)

	for _, m := range []struct {
		i        int
		from, to string
	}{
		{1, "alice", "bob"},
		{2, "bob", "alice"},
		{3, "alice", "carol"},
		{4, "alice", "bob"},
	} {
		_, err := s.Append(ctx, privateMsg(m.i, m.from, m.to))
		req.NoError(err)
	}

	ab, err := s.Conversation(ctx, "alice", "bob")
	req.NoError(err)
	ba, err := s.Conversation(ctx, "bob", "alice")
	req.NoError(err)

	req.Equal(ab, ba)
	req.Len(ab, 3)
	req.Equal("dm-1", ab[0].Content)
	req.Equal("dm-2", ab[1].Content)
	req.Equal("dm-4", ab[2].Content)
	req.Equal("bob", ab[0].Recipient)

	none, err := s.Conversation(ctx, "bob", "carol")
	req.NoError(err)
	req.NotNil(none)
	req.Empty(none)

	pub, err := s.LatestPublic(ctx, 10)
	req.NoError(err)
	req.Empty(pub)
}

func Test_Badger_Prefix_Separates_Identities(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newBadgerStore(t)

	_, err := s.Append(ctx, privateMsg(1, "ab", "c"))
	req.NoError(err)
	_, err = s.Append(ctx, privateMsg(2, "a", "bc"))
	req.NoError(err)

	recs, err := s.Conversation(ctx, "ab", "c")
	req.NoError(err)
	req.Len(recs, 1)
	req.Equal("dm-1", recs[0].Content)
}
