// Package spool keeps inbound webhooks on local disk while the database is
// unreachable, so a delivery is never lost before it is logged.
package spool

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
)

// Entry is one spooled webhook delivery
type Entry struct {
	Key        string          `json:"key"`
	Gateway    string          `json:"gateway"`
	Payload    string          `json:"payload"`
	Headers    json.RawMessage `json:"headers,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// PebbleSpool stores entries in a PebbleDB keyed by arrival time
type PebbleSpool struct {
	db *pebble.DB
}

func Open(dir string) (*PebbleSpool, error) {
	d, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleSpool{db: d}, nil
}

func (s *PebbleSpool) Close() error { return s.db.Close() }

// Put writes an entry synchronously. Key and ReceivedAt are filled in when empty.
func (s *PebbleSpool) Put(e *Entry) error {
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	if e.Key == "" {
		e.Key = fmt.Sprintf("%020d-%s", e.ReceivedAt.UnixNano(), uuid.NewString())
	}

	val, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(e.Key), val, pebble.Sync)
}

// Range visits entries in arrival order until fn returns an error
func (s *PebbleSpool) Range(fn func(e Entry) error) error {
	it, err := s.db.NewIter(nil)
	if err != nil {
		return err
	}
	defer it.Close()

	for it.First(); it.Valid(); it.Next() {
		var e Entry
		if err := json.Unmarshal(append([]byte(nil), it.Value()...), &e); err != nil {
			return fmt.Errorf("corrupt spool entry %s: %w", it.Key(), err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return it.Error()
}

// Delete removes an entry once it has been logged
func (s *PebbleSpool) Delete(key string) error {
	err := s.db.Delete([]byte(key), pebble.Sync)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	return err
}

// Len counts pending entries
func (s *PebbleSpool) Len() (int, error) {
	n := 0
	err := s.Range(func(Entry) error {
		n++
		return nil
	})
	return n, err
}
