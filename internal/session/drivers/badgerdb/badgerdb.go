// Package badgerdb stores sessions in an embedded BadgerDB.
//
// Key layout:
//
//	session:<conversation id>        msgpack session.Entry
//	auto:<hash>                      msgpack record (entry plus insertion sequence)
//	auto-order:<%020d seq>:<hash>    empty, iterated oldest first for eviction
package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/memohai/clibridge/internal/session"
)

const (
	sessionPrefix = "session:"
	autoPrefix    = "auto:"
	orderPrefix   = "auto-order:"
	sequenceKey   = "meta:auto-seq"
)

type record struct {
	Entry session.Entry `msgpack:"entry"`
	Seq   uint64        `msgpack:"seq"`
}

// Store is a BadgerDB backed session store.
type Store struct {
	db      *badger.DB
	seq     *badger.Sequence
	maxAuto int
	logger  *slog.Logger
}

// Open opens (or creates) the database in dir. An empty dir opens an
// in-memory database.
func Open(log *slog.Logger, dir string, maxAuto int) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("driver", "badger"))

	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{log: log})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	seq, err := db.GetSequence([]byte(sequenceKey), 100)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open badger sequence: %w", err)
	}
	return &Store{db: db, seq: seq, maxAuto: maxAuto, logger: log}, nil
}

func (s *Store) Get(_ context.Context, conversationID string) (session.Entry, error) {
	var entry session.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		return getValue(txn, sessionPrefix+conversationID, &entry)
	})
	return entry, err
}

func (s *Store) Set(_ context.Context, conversationID string, entry session.Entry) error {
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(sessionPrefix+conversationID), data)
	})
}

func (s *Store) Delete(_ context.Context, conversationID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(sessionPrefix + conversationID))
	})
}

func (s *Store) FindAuto(_ context.Context, hash string) (session.Entry, error) {
	var rec record
	err := s.db.View(func(txn *badger.Txn) error {
		return getValue(txn, autoPrefix+hash, &rec)
	})
	return rec.Entry, err
}

func (s *Store) SaveAuto(_ context.Context, hash string, entry session.Entry) error {
	next, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		var existing record
		err := getValue(txn, autoPrefix+hash, &existing)
		switch {
		case err == nil:
			existing.Entry = entry
			return setValue(txn, autoPrefix+hash, existing)
		case !errors.Is(err, session.ErrNotFound):
			return err
		}

		if s.maxAuto > 0 {
			if err := s.evict(txn); err != nil {
				return err
			}
		}
		if err := txn.Set([]byte(orderKey(next, hash)), []byte{}); err != nil {
			return err
		}
		return setValue(txn, autoPrefix+hash, record{Entry: entry, Seq: next})
	})
}

// evict removes the oldest auto-sessions until there is room for one more.
func (s *Store) evict(txn *badger.Txn) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(orderPrefix)

	var keys [][]byte
	it := txn.NewIterator(opts)
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	excess := len(keys) - s.maxAuto + 1
	for i := 0; i < excess; i++ {
		hash := hashFromOrderKey(keys[i])
		if err := txn.Delete(keys[i]); err != nil {
			return err
		}
		if err := txn.Delete([]byte(autoPrefix + hash)); err != nil {
			return err
		}
	}
	return nil
}

// RunGC reclaims value log space. It is called by the janitor.
func (s *Store) RunGC() {
	if s.db.Opts().InMemory {
		return
	}
	for {
		if err := s.db.RunValueLogGC(0.5); err != nil {
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Debug("value log gc stopped", slog.Any("error", err))
			}
			return
		}
	}
}

func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		s.logger.Warn("release sequence failed", slog.Any("error", err))
	}
	return s.db.Close()
}

func getValue(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return session.ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, v)
	})
}

func setValue(txn *badger.Txn, key string, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

func orderKey(seq uint64, hash string) string {
	return fmt.Sprintf("%s%020d:%s", orderPrefix, seq, hash)
}

func hashFromOrderKey(key []byte) string {
	rest := key[len(orderPrefix):]
	if len(rest) > 21 {
		return string(rest[21:])
	}
	return ""
}

// badgerLogger routes badger's internal logging to slog.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(f string, v ...any) {
	l.log.Error(fmt.Sprintf(f, v...))
}

func (l badgerLogger) Warningf(f string, v ...any) {
	l.log.Warn(fmt.Sprintf(f, v...))
}

func (l badgerLogger) Infof(f string, v ...any) {
	l.log.Debug(fmt.Sprintf(f, v...))
}

func (l badgerLogger) Debugf(f string, v ...any) {
	l.log.Debug(fmt.Sprintf(f, v...))
}
