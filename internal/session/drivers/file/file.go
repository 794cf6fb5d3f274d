// Package file persists sessions in a single JSON document:
//
//	{"sessions": {"<conversation id>": {...}}, "autoSessions": {"<hash>": {...}}}
//
// Older documents that were a flat conversation id map, or that stored bare
// session id strings, are read transparently and rewritten in this form.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/memohai/clibridge/internal/session"
)

type autoEntry struct {
	session.Entry
	Seq int64 `json:"seq,omitempty"`
}

// UnmarshalJSON is needed because the embedded Entry's decoder would
// otherwise swallow the whole object and drop Seq.
func (a *autoEntry) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &a.Entry); err != nil {
		return err
	}
	var seq struct {
		Seq int64 `json:"seq"`
	}
	_ = json.Unmarshal(data, &seq)
	a.Seq = seq.Seq
	return nil
}

type document struct {
	Sessions     map[string]session.Entry `json:"sessions"`
	AutoSessions map[string]autoEntry     `json:"autoSessions"`
}

// Store is a write-through JSON file store. Writes from other processes are
// not merged; the last writer wins.
type Store struct {
	path    string
	maxAuto int
	logger  *slog.Logger

	mu     sync.Mutex
	doc    document
	seq    int64
	loaded bool
}

// New creates a store backed by path. The file is read on first use.
func New(log *slog.Logger, path string, maxAuto int) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		path:    path,
		maxAuto: maxAuto,
		logger:  log.With(slog.String("driver", "file")),
	}
}

func (s *Store) Get(_ context.Context, conversationID string) (session.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	e, ok := s.doc.Sessions[conversationID]
	if !ok {
		return session.Entry{}, session.ErrNotFound
	}
	return e, nil
}

func (s *Store) Set(_ context.Context, conversationID string, entry session.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	s.doc.Sessions[conversationID] = entry
	return s.save()
}

func (s *Store) Delete(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	if _, ok := s.doc.Sessions[conversationID]; !ok {
		return nil
	}
	delete(s.doc.Sessions, conversationID)
	return s.save()
}

func (s *Store) FindAuto(_ context.Context, hash string) (session.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	e, ok := s.doc.AutoSessions[hash]
	if !ok {
		return session.Entry{}, session.ErrNotFound
	}
	return e.Entry, nil
}

func (s *Store) SaveAuto(_ context.Context, hash string, entry session.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	existing, ok := s.doc.AutoSessions[hash]
	if ok {
		existing.Entry = entry
		s.doc.AutoSessions[hash] = existing
		return s.save()
	}
	if s.maxAuto > 0 && len(s.doc.AutoSessions) >= s.maxAuto {
		s.evict(len(s.doc.AutoSessions) - s.maxAuto + 1)
	}
	s.seq++
	s.doc.AutoSessions[hash] = autoEntry{Entry: entry, Seq: s.seq}
	return s.save()
}

// Close is a no-op; every write is already on disk.
func (s *Store) Close() error {
	return nil
}

// evict drops the n oldest auto-sessions.
func (s *Store) evict(n int) {
	keys := make([]string, 0, len(s.doc.AutoSessions))
	for k := range s.doc.AutoSessions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := s.doc.AutoSessions[keys[i]], s.doc.AutoSessions[keys[j]]
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys[:n] {
		delete(s.doc.AutoSessions, k)
	}
}

func (s *Store) ensureLoaded() {
	if s.loaded {
		return
	}
	s.loaded = true
	s.doc = document{Sessions: map[string]session.Entry{}, AutoSessions: map[string]autoEntry{}}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("read session file failed", slog.String("path", s.path), slog.Any("error", err))
		}
		return
	}
	doc, err := decode(data)
	if err != nil {
		s.logger.Warn("decode session file failed, starting empty", slog.String("path", s.path), slog.Any("error", err))
		return
	}
	s.doc = doc
	for _, e := range s.doc.AutoSessions {
		if e.Seq > s.seq {
			s.seq = e.Seq
		}
	}
}

func decode(data []byte) (document, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return document{}, err
	}
	doc := document{Sessions: map[string]session.Entry{}, AutoSessions: map[string]autoEntry{}}
	_, hasSessions := raw["sessions"]
	_, hasAuto := raw["autoSessions"]
	if !hasSessions && !hasAuto {
		// Flat legacy map of conversation id to entry.
		for k, v := range raw {
			var e session.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return document{}, fmt.Errorf("legacy entry %q: %w", k, err)
			}
			doc.Sessions[k] = e
		}
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, err
	}
	if doc.Sessions == nil {
		doc.Sessions = map[string]session.Entry{}
	}
	if doc.AutoSessions == nil {
		doc.AutoSessions = map[string]autoEntry{}
	}
	if err := sequenceLegacy(doc.AutoSessions, raw["autoSessions"]); err != nil {
		return document{}, err
	}
	return doc, nil
}

// sequenceLegacy numbers auto-sessions written without a sequence in the
// order they appear in the file, ahead of every sequenced entry.
func sequenceLegacy(entries map[string]autoEntry, raw json.RawMessage) error {
	legacy := map[string]bool{}
	for k, e := range entries {
		if e.Seq == 0 {
			legacy[k] = true
		}
	}
	if len(legacy) == 0 {
		return nil
	}
	order, err := objectKeys(raw)
	if err != nil {
		return fmt.Errorf("autoSessions order: %w", err)
	}
	shift := int64(len(legacy))
	for k, e := range entries {
		if !legacy[k] {
			e.Seq += shift
			entries[k] = e
		}
	}
	var next int64
	for _, k := range order {
		if !legacy[k] {
			continue
		}
		delete(legacy, k)
		next++
		e := entries[k]
		e.Seq = next
		entries[k] = e
	}
	return nil
}

// objectKeys lists the keys of a JSON object in document order.
func objectKeys(raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected key, got %v", tok)
		}
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create session dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write sessions: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace sessions: %w", err)
	}
	return nil
}
