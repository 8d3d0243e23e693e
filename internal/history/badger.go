package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/chatter/relay/internal/chat"
)

const (
	publicPrefix  = "msg:pub:"
	privatePrefix = "msg:dm:"
	idPrefix      = "id:"
	sequenceKey   = "seq:messages"

	// maxConflictRetries bounds optimistic transaction retries when two
	// writers race on the same message ID.
	maxConflictRetries = 5
)

// OpenBadger opens (or creates) an embedded database at path. An empty path
// opens an in-memory database.
func OpenBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("history: open badger: %w", err)
	}
	return db, nil
}

// BadgerStore persists the message log in an embedded BadgerDB.
//
// Keys are laid out so that a prefix scan yields a scope in chronological
// order:
//
//	msg:pub:{sent_at_nanos}:{seq}
//	msg:dm:{len(a)}{a}{b}:{sent_at_nanos}:{seq}   (a <= b)
//	id:{message_id} -> message key
//
// Timestamps and sequences are zero padded to 19 digits so lexicographic and
// numeric order agree.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// NewBadgerStore creates a history store on db. Close releases the sequence
// lease but leaves db open.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	seq, err := db.GetSequence([]byte(sequenceKey), 100)
	if err != nil {
		return nil, fmt.Errorf("history: badger sequence: %w", err)
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

// Close returns unused sequence numbers to the database.
func (s *BadgerStore) Close() error {
	return s.seq.Release()
}

func conversationPrefix(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%s%03d%s%s:", privatePrefix, len(a), a, b)
}

func messageKey(msg chat.Message, seq int64) []byte {
	prefix := publicPrefix
	if !msg.IsPublic() {
		prefix = conversationPrefix(msg.Sender, msg.Recipient)
	}
	return []byte(fmt.Sprintf("%s%019d:%019d", prefix, msg.SentAt.UnixNano(), seq))
}

// Append stores msg. If the message ID was already stored, the existing
// record is returned together with ErrDuplicate.
func (s *BadgerStore) Append(ctx context.Context, msg chat.Message) (Record, error) {
	var (
		rec Record
		err error
	)
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			return Record{}, fmt.Errorf("history: append: %w", err)
		}
		rec, err = s.append(msg)
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil && !errors.Is(err, ErrDuplicate) {
		return Record{}, fmt.Errorf("history: append: %w", err)
	}
	return rec, err
}

func (s *BadgerStore) append(msg chat.Message) (Record, error) {
	next, err := s.seq.Next()
	if err != nil {
		return Record{}, err
	}

	var rec Record
	err = s.db.Update(func(txn *badger.Txn) error {
		idKey := []byte(idPrefix + msg.ID)
		item, err := txn.Get(idKey)
		if err == nil {
			msgKey, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if rec, err = loadRecord(txn, msgKey); err != nil {
				return err
			}
			return ErrDuplicate
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		// Sequences start at zero; records start at one like BIGSERIAL.
		rec = Record{Seq: int64(next) + 1, Message: msg}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}

		key := messageKey(msg, rec.Seq)
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(idKey, key)
	})
	return rec, err
}

func loadRecord(txn *badger.Txn, key []byte) (Record, error) {
	var rec Record
	item, err := txn.Get(key)
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

// LatestPublic returns the newest limit public records, oldest first.
func (s *BadgerStore) LatestPublic(_ context.Context, limit int) ([]Record, error) {
	limit = ClampLimit(limit)
	records, err := s.scan(publicPrefix, true, limit)
	if err != nil {
		return nil, fmt.Errorf("history: latest public: %w", err)
	}
	// The reverse scan yields newest first.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// Conversation returns every private record between a and b, oldest first.
func (s *BadgerStore) Conversation(_ context.Context, a, b string) ([]Record, error) {
	records, err := s.scan(conversationPrefix(a, b), false, 0)
	if err != nil {
		return nil, fmt.Errorf("history: conversation: %w", err)
	}
	return records, nil
}

// scan collects records under prefix. A limit of zero means unbounded.
func (s *BadgerStore) scan(prefix string, reverse bool, limit int) ([]Record, error) {
	records := []Record{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.Reverse = reverse
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := []byte(prefix)
		if reverse {
			// Seek past the last possible key under the prefix.
			seek = append(seek, 0xff)
		}
		for it.Seek(seek); it.ValidForPrefix(opts.Prefix); it.Next() {
			if limit > 0 && len(records) == limit {
				break
			}
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}
