// Package store persists chat messages in an append-only Pebble log. Messages
// are keyed by a sortable timestamp so insertion order and iteration order
// coincide, which is what history replay relies on.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
)

// Message is a single chat message as persisted and as sent over the wire.
// The store assigns ID, Time, and CreatedAt on append; the stored copy is the
// canonical representation that gets broadcast and later replayed.
type Message struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Text      string    `json:"message"`
	Time      string    `json:"time"`
	Profile   string    `json:"profile"`
	CreatedAt time.Time `json:"createdAt"`
}

const (
	keyPrefix = "msg:"
	// keyPrefixEnd is the exclusive upper bound for message keys (':' + 1).
	keyPrefixEnd = "msg;"
)

// Store is a durable append-only message log. The zero value and a nil *Store
// are both unusable but safe: Append reports an error and Recent returns no
// messages, which is how the server degrades when the database cannot be
// opened at startup.
type Store struct {
	db  *pebble.DB
	seq uint64
}

// Open opens (or creates) the Pebble database at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	slog.Info("message store opened", "path", path)
	return &Store{db: db}, nil
}

// Close closes the underlying database. Safe to call on a nil store.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Ready reports whether the store can accept reads and writes.
func (s *Store) Ready() bool {
	return s != nil && s.db != nil
}

// Append assigns the canonical ID and timestamps to draft, writes it durably,
// and returns the stored copy. Callers must broadcast the returned message,
// not the draft, so that live delivery matches later history replay.
func (s *Store) Append(draft Message) (Message, error) {
	if !s.Ready() {
		return Message{}, fmt.Errorf("message store not available")
	}

	now := time.Now().UTC()
	draft.ID = uuid.NewString()
	draft.CreatedAt = now
	draft.Time = now.Format("15:04:05")

	data, err := json.Marshal(draft)
	if err != nil {
		return Message{}, fmt.Errorf("marshal message: %w", err)
	}

	// Key format: msg:<unix_nano_padded>-<seq>. The counter breaks ties when
	// two messages land on the same nanosecond.
	n := atomic.AddUint64(&s.seq, 1)
	key := fmt.Sprintf("%s%020d-%06d", keyPrefix, now.UnixNano(), n)

	if err := s.db.Set([]byte(key), data, pebble.Sync); err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return draft, nil
}

// Recent returns the newest limit messages in ascending chronological order.
// A nil or unopened store returns an empty result rather than an error so
// connecting clients still get a (degraded) history event.
func (s *Store) Recent(limit int) ([]Message, error) {
	if !s.Ready() || limit <= 0 {
		return nil, nil
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefixEnd),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	// Walk backwards from the end so only the newest entries are decoded,
	// then reverse into ascending order.
	var out []Message
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		if !bytes.HasPrefix(iter.Key(), []byte(keyPrefix)) {
			break
		}
		var msg Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			slog.Warn("skipping undecodable stored message", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, msg)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
