// Package audit persists the agent's event stream to a BoltDB file so
// an operator can reconstruct what happened across restarts. The sink
// is an ordinary bus subscriber; the agent runs fine without it.
package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/alexos-labs/watchtower-agent/internal/events"
	"github.com/alexos-labs/watchtower-agent/internal/logging"
)

var bucketEvents = []byte("events")

// Entry is one persisted event, as returned by Tail.
type Entry struct {
	Sequence    uint64          `json:"sequence"`
	Kind        string          `json:"kind"`
	At          time.Time       `json:"at"`
	ContainerID string          `json:"container_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Sink writes events to a BoltDB file keyed by timestamp and sequence,
// so iteration order is chronological across agent restarts.
type Sink struct {
	db  *bolt.DB
	log *logging.Logger
}

// Open creates or opens the audit database at path.
func Open(path string, log *logging.Logger) (*Sink, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit bucket: %w", err)
	}
	return &Sink{db: db, log: log}, nil
}

// Close closes the underlying database.
func (s *Sink) Close() error {
	return s.db.Close()
}

// Run consumes the bus and appends every event until ctx is cancelled.
// Run it in its own goroutine.
func (s *Sink) Run(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Event == nil {
				// Gap markers are per-subscriber; the sink logs and moves on.
				s.log.Warn("audit sink dropped events", "gap_from", msg.GapFrom)
				continue
			}
			if err := s.append(*msg.Event); err != nil {
				s.log.Error("audit append failed", "sequence", msg.Event.Sequence, "error", err)
			}
		}
	}
}

// append stores one event. Key: unix-nano timestamp then sequence, both
// big-endian, so byte order equals chronological order.
func (s *Sink) append(evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(evt.At.UnixNano()))
	binary.BigEndian.PutUint64(key[8:], evt.Sequence)

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).Put(key, data)
	})
}

// Tail returns the most recent n persisted events, oldest first.
func (s *Sink) Tail(n int) ([]Entry, error) {
	if n < 1 {
		return nil, nil
	}
	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
