// Package logspool buffers diagnostic records client-side and ships them in
// batches to the server's logs endpoint. The buffer is a fixed-capacity
// ring: when the server is unreachable the oldest records are overwritten
// and a drop counter rides along with the next successful batch.
package logspool

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/confkit/webconferencing/internal/channel"
)

var log = logging.Logger("webconf/logspool")

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 500

// DefaultFlushInterval is the period of the background flush loop.
const DefaultFlushInterval = 30 * time.Second

// Entry is one spooled diagnostic record.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Logger  string    `json:"logger"`
	Message string    `json:"message"`
}

// batch is the payload shipped to the logs endpoint.
type batch struct {
	User    string  `json:"user,omitempty"`
	Dropped int     `json:"dropped,omitempty"`
	Entries []Entry `json:"entries"`
}

// Spool is the capped client-side buffer. All methods are safe for
// concurrent use.
type Spool struct {
	bus  *channel.Adapter
	user string

	mu      sync.Mutex
	buf     []Entry
	head    int
	count   int
	dropped int
}

// New creates a spool shipping batches on behalf of user.
func New(bus *channel.Adapter, user string, capacity int) *Spool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Spool{bus: bus, user: user, buf: make([]Entry, capacity)}
}

// Append records one entry, overwriting the oldest when the buffer is full.
func (s *Spool) Append(level, logger, message string) {
	e := Entry{Time: time.Now(), Level: level, Logger: logger, Message: message}
	s.mu.Lock()
	idx := (s.head + s.count) % len(s.buf)
	s.buf[idx] = e
	if s.count == len(s.buf) {
		s.head = (s.head + 1) % len(s.buf)
		s.dropped++
	} else {
		s.count++
	}
	s.mu.Unlock()
}

// Len returns the number of buffered entries.
func (s *Spool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// drain removes and returns everything buffered, oldest first, together
// with the overwrite count accumulated since the last drain.
func (s *Spool) drain() ([]Entry, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, s.count)
	for i := 0; i < s.count; i++ {
		out[i] = s.buf[(s.head+i)%len(s.buf)]
	}
	dropped := s.dropped
	s.head, s.count, s.dropped = 0, 0, 0
	return out, dropped
}

// requeue puts entries back after a failed flush. Anything that no longer
// fits counts as dropped.
func (s *Spool) requeue(entries []Entry, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	free := len(s.buf) - s.count
	if free < len(entries) {
		dropped += len(entries) - free
		entries = entries[len(entries)-free:]
	}
	// Rebuild with the requeued entries in front of anything appended since
	// the drain.
	merged := make([]Entry, 0, len(entries)+s.count)
	merged = append(merged, entries...)
	for i := 0; i < s.count; i++ {
		merged = append(merged, s.buf[(s.head+i)%len(s.buf)])
	}
	copy(s.buf, merged)
	s.head = 0
	s.count = len(merged)
	s.dropped += dropped
}

// Flush ships everything buffered to the logs endpoint. The batch is
// requeued on failure.
func (s *Spool) Flush(ctx context.Context) error {
	entries, dropped := s.drain()
	if len(entries) == 0 && dropped == 0 {
		return nil
	}
	_, err := s.bus.RemoteCall(ctx, s.bus.LogsEndpoint(), batch{
		User:    s.user,
		Dropped: dropped,
		Entries: entries,
	})
	if err != nil {
		s.requeue(entries, dropped)
		return err
	}
	return nil
}

// Run flushes periodically until ctx is done, then makes one final
// best-effort flush.
func (s *Spool) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Flush(final); err != nil {
				log.Debugf("final flush: %v", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				log.Debugf("flush: %v", err)
			}
		}
	}
}
