// Package badgerstore persists queue items, server records and outbox/inbox
// entries in an embedded badger database. Rows are JSON encoded with the
// ugorji codec under prefixed keys.
package badgerstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/ugorji/go/codec"
	"go.uber.org/zap"

	"postbox/pkg/store"
	"postbox/pkg/types"
)

const (
	itemPrefix    = "item"
	itemKeyPrefix = "itemkey"
	serverPrefix  = "server"
	outboxPrefix  = "outbox"
	inboxPrefix   = "inbox"
)

type Store struct {
	db     *badger.DB
	path   string
	logger *zap.Logger

	// insertMu serialises InsertItem so the key index check and the write
	// happen as one step.
	insertMu sync.Mutex
}

var _ store.Store = (*Store)(nil)

// Open opens the database in path, creating it when missing.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithLogger(badgerLogger{logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store at %s: %w", path, err)
	}

	logger.Debug("Opened badger store", zap.String("path", path))
	return &Store{db: db, path: path, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database directory.
func (s *Store) Path() string { return s.path }

//==============================================================================
// Keys

func itemKey(id string) []byte {
	return []byte(fmt.Sprintf("%s_%s", itemPrefix, id))
}

func itemIndexKey(k types.DeliveryKey) []byte {
	return []byte(fmt.Sprintf("%s_%s", itemKeyPrefix, store.DeliveryKeyString(k)))
}

func serverKey(id types.ServerID) []byte {
	return []byte(fmt.Sprintf("%s_%s", serverPrefix, id))
}

func outboxKey(id types.PostURIID) []byte {
	return []byte(fmt.Sprintf("%s_%020d", outboxPrefix, id))
}

func inboxUserPrefix(user types.UserID) []byte {
	return []byte(fmt.Sprintf("%s_%020d_", inboxPrefix, user))
}

func inboxKey(e *types.InboxEntry) []byte {
	return append(inboxUserPrefix(e.UserID), []byte(fmt.Sprintf("%020d_%s", e.Received.UnixNano(), e.ID))...)
}

//==============================================================================
// Row encoding

func marshal(v interface{}) ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func unmarshal(data []byte, v interface{}) error {
	jh := new(codec.JsonHandle)
	dec := codec.NewDecoderBytes(data, jh)
	return dec.Decode(v)
}

func mapError(err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.ErrNotFound
	}
	return err
}

func get(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		return mapError(err)
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	return unmarshal(data, v)
}

func set(txn *badger.Txn, key []byte, v interface{}) error {
	val, err := marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, val)
}

// scan decodes every row under prefix, calling fn with a fresh value from
// newRow.
func scan(txn *badger.Txn, prefix []byte, newRow func() interface{}, fn func(interface{})) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		data, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}
		row := newRow()
		if err := unmarshal(data, row); err != nil {
			return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
		}
		fn(row)
	}
	return nil
}

//==============================================================================
// Queue

func (s *Store) InsertItem(ctx context.Context, item *types.DeliveryItem) (*types.DeliveryItem, bool, error) {
	s.insertMu.Lock()
	defer s.insertMu.Unlock()

	var (
		existing *types.DeliveryItem
		created  bool
	)
	err := s.db.Update(func(txn *badger.Txn) error {
		idx, err := txn.Get(itemIndexKey(item.Key()))
		switch {
		case err == nil:
			id, err := idx.ValueCopy(nil)
			if err != nil {
				return err
			}
			existing = new(types.DeliveryItem)
			return get(txn, itemKey(string(id)), existing)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		if err := set(txn, itemKey(item.ID), item); err != nil {
			return err
		}
		if err := txn.Set(itemIndexKey(item.Key()), []byte(item.ID)); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("insert item: %w", err)
	}

	if created {
		return store.CloneItem(item), true, nil
	}
	return existing, false, nil
}

func (s *Store) GetItem(ctx context.Context, id string) (*types.DeliveryItem, error) {
	item := new(types.DeliveryItem)
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, itemKey(id), item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Store) UpdateItem(ctx context.Context, item *types.DeliveryItem) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(itemKey(item.ID)); err != nil {
			return mapError(err)
		}
		return set(txn, itemKey(item.ID), item)
	})
}

func (s *Store) DeleteItem(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item := new(types.DeliveryItem)
		if err := get(txn, itemKey(id), item); err != nil {
			return err
		}
		if err := txn.Delete(itemIndexKey(item.Key())); err != nil {
			return err
		}
		return txn.Delete(itemKey(id))
	})
}

func (s *Store) listItems(filter func(*types.DeliveryItem) bool) ([]*types.DeliveryItem, error) {
	var out []*types.DeliveryItem
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, []byte(itemPrefix+"_"),
			func() interface{} { return new(types.DeliveryItem) },
			func(row interface{}) {
				item := row.(*types.DeliveryItem)
				if filter == nil || filter(item) {
					out = append(out, item)
				}
			})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*types.DeliveryItem, error) {
	due, err := s.listItems(func(item *types.DeliveryItem) bool { return item.Due(now) })
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) ListItems(ctx context.Context) ([]*types.DeliveryItem, error) {
	return s.listItems(nil)
}

func (s *Store) CountItems(ctx context.Context) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(itemPrefix + "_")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

//==============================================================================
// Servers

func (s *Store) GetServer(ctx context.Context, id types.ServerID) (*types.Server, error) {
	srv := new(types.Server)
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, serverKey(id), srv)
	})
	if err != nil {
		return nil, err
	}
	return srv, nil
}

func (s *Store) PutServer(ctx context.Context, srv *types.Server) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return set(txn, serverKey(srv.ID), srv)
	})
}

func (s *Store) ListServers(ctx context.Context) ([]*types.Server, error) {
	var out []*types.Server
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, []byte(serverPrefix+"_"),
			func() interface{} { return new(types.Server) },
			func(row interface{}) { out = append(out, row.(*types.Server)) })
	})
	return out, err
}

//==============================================================================
// Outbox and inbox

func (s *Store) PutOutbox(ctx context.Context, e *types.OutboxEntry) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return set(txn, outboxKey(e.PostURIID), e)
	})
}

func (s *Store) GetOutbox(ctx context.Context, id types.PostURIID) (*types.OutboxEntry, error) {
	e := new(types.OutboxEntry)
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, outboxKey(id), e)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Store) DeleteOutbox(ctx context.Context, id types.PostURIID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(outboxKey(id))
	})
}

func (s *Store) AppendInbox(ctx context.Context, e *types.InboxEntry) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return set(txn, inboxKey(e), e)
	})
}

func (s *Store) ListInbox(ctx context.Context, user types.UserID) ([]*types.InboxEntry, error) {
	var out []*types.InboxEntry
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, inboxUserPrefix(user),
			func() interface{} { return new(types.InboxEntry) },
			func(row interface{}) { out = append(out, row.(*types.InboxEntry)) })
	})
	return out, err
}

//==============================================================================

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
