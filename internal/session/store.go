// Package session maps conversations to the external program's resumable
// session ids, either by a caller supplied id or by a digest of the history.
package session

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by stores when no entry exists for a key.
var ErrNotFound = errors.New("session not found")

// Entry is a stored external session and the number of messages it has seen,
// including the assistant reply that created the entry.
type Entry struct {
	SessionID string `json:"sessionId" msgpack:"session_id"`
	Count     int    `json:"count" msgpack:"count"`
}

// UnmarshalJSON also accepts the legacy form where the value was the bare
// session id string.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*e = Entry{SessionID: id}
		return nil
	}
	type plain Entry
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = Entry(p)
	return nil
}

// Store persists explicit sessions and the bounded auto-session table.
// Implementations must evict the oldest auto-session once the table is full.
type Store interface {
	Get(ctx context.Context, conversationID string) (Entry, error)
	Set(ctx context.Context, conversationID string, entry Entry) error
	Delete(ctx context.Context, conversationID string) error
	FindAuto(ctx context.Context, hash string) (Entry, error)
	SaveAuto(ctx context.Context, hash string, entry Entry) error
	Close() error
}
