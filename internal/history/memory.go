package history

import (
	"context"
	"sync"

	"github.com/chatter/relay/internal/chat"
)

// DefaultMemoryLimit is the number of records retained per scope when no
// limit is configured.
const DefaultMemoryLimit = 500

// MemoryStore keeps the most recent records of each scope in memory. It is
// goroutine-safe and uses one ring buffer for the public room and one per
// two-party conversation. Evicted records are forgotten, including for
// duplicate detection.
type MemoryStore struct {
	mu       sync.RWMutex
	limit    int
	seq      int64
	public   *ringBuffer
	private  map[string]*ringBuffer // conversation key -> ring buffer
	messages map[string]Record      // message ID -> retained record
}

// ringBuffer is a fixed-size circular buffer of Record.
type ringBuffer struct {
	items []Record
	pos   int
	count int
}

// NewMemoryStore creates an empty store retaining up to limit records per
// scope.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &MemoryStore{
		limit:    limit,
		public:   newRingBuffer(limit),
		private:  make(map[string]*ringBuffer),
		messages: make(map[string]Record),
	}
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{items: make([]Record, size)}
}

// add appends rec, returning the record it overwrote, if any.
func (rb *ringBuffer) add(rec Record) (Record, bool) {
	size := len(rb.items)
	old, evicted := rb.items[rb.pos], rb.count == size
	rb.items[rb.pos] = rec
	rb.pos = (rb.pos + 1) % size
	if rb.count < size {
		rb.count++
	}
	return old, evicted
}

// last returns up to n records, oldest first.
func (rb *ringBuffer) last(n int) []Record {
	size := len(rb.items)
	if n > rb.count {
		n = rb.count
	}
	result := make([]Record, n)
	// The oldest wanted record is at position (pos - n) mod size.
	start := (rb.pos - n + size) % size
	for i := 0; i < n; i++ {
		result[i] = rb.items[(start+i)%size]
	}
	return result
}

// Append stores msg in its scope's ring buffer. If the buffer is full, the
// oldest record is overwritten.
func (s *MemoryStore) Append(_ context.Context, msg chat.Message) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.messages[msg.ID]; ok {
		return existing, ErrDuplicate
	}

	rb := s.public
	if !msg.IsPublic() {
		key := chat.ConversationKey(msg.Sender, msg.Recipient)
		var ok bool
		if rb, ok = s.private[key]; !ok {
			rb = newRingBuffer(s.limit)
			s.private[key] = rb
		}
	}

	s.seq++
	rec := Record{Seq: s.seq, Message: msg}
	if old, evicted := rb.add(rec); evicted {
		delete(s.messages, old.ID)
	}
	s.messages[msg.ID] = rec
	return rec, nil
}

// LatestPublic returns the limit public records with the latest send time
// among those retained, oldest first. Like the durable stores, the window is
// chosen by (SentAt, Seq) rather than by arrival.
func (s *MemoryStore) LatestPublic(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	records := s.public.last(s.public.count)
	s.mu.RUnlock()

	sortChronological(records)
	if n := ClampLimit(limit); len(records) > n {
		records = records[len(records)-n:]
	}
	return records, nil
}

// Conversation returns the retained records between a and b, oldest first.
// Returns an empty slice if the pair never exchanged a message.
func (s *MemoryStore) Conversation(_ context.Context, a, b string) ([]Record, error) {
	s.mu.RLock()
	rb, ok := s.private[chat.ConversationKey(a, b)]
	if !ok {
		s.mu.RUnlock()
		return []Record{}, nil
	}
	records := rb.last(rb.count)
	s.mu.RUnlock()

	sortChronological(records)
	return records, nil
}
