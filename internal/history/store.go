// Package history is the durable, append-only log of relayed messages. Every
// message the router delivers has a record here first; queries return bounded
// slices of the log (the latest public messages, or one two-party
// conversation) in chronological order.
package history

import (
	"context"
	"errors"
	"sort"

	"github.com/chatter/relay/internal/chat"
)

const (
	// DefaultPublicLimit is the page size for public history when the caller
	// does not ask for one.
	DefaultPublicLimit = 50

	// MaxPublicLimit caps a single public history query.
	MaxPublicLimit = 500
)

// ErrDuplicate is returned by Append when a record with the same message ID
// already exists. The returned Record is the one stored first. Redelivery from
// the broker makes this a benign, expected outcome.
var ErrDuplicate = errors.New("history: duplicate message")

// Record is the durable counterpart of a chat.Message with its store-assigned
// sequence number.
type Record struct {
	Seq int64 `json:"seq"`
	chat.Message
}

// Store is implemented by every history backend.
type Store interface {
	// Append persists msg and assigns it a sequence number.
	Append(ctx context.Context, msg chat.Message) (Record, error)

	// LatestPublic returns the limit public records with the latest
	// (SentAt, Seq), oldest first.
	LatestPublic(ctx context.Context, limit int) ([]Record, error)

	// Conversation returns every private record exchanged between a and b in
	// either direction, oldest first.
	Conversation(ctx context.Context, a, b string) ([]Record, error)
}

// ClampLimit normalises a requested public page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPublicLimit
	case limit > MaxPublicLimit:
		return MaxPublicLimit
	}
	return limit
}

// sortChronological orders records by send time, breaking ties by sequence.
func sortChronological(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].SentAt.Equal(records[j].SentAt) {
			return records[i].Seq < records[j].Seq
		}
		return records[i].SentAt.Before(records[j].SentAt)
	})
}
