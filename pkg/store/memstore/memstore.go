// Package memstore is an in-memory store.Store used by tests and by nodes
// configured with the memory driver.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"postbox/pkg/store"
	"postbox/pkg/types"
)

type Store struct {
	mu      sync.RWMutex
	items   map[string]*types.DeliveryItem
	byKey   map[string]string
	servers map[types.ServerID]*types.Server
	outbox  map[types.PostURIID]*types.OutboxEntry
	inbox   []*types.InboxEntry
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		items:   make(map[string]*types.DeliveryItem),
		byKey:   make(map[string]string),
		servers: make(map[types.ServerID]*types.Server),
		outbox:  make(map[types.PostURIID]*types.OutboxEntry),
	}
}

func (s *Store) InsertItem(ctx context.Context, item *types.DeliveryItem) (*types.DeliveryItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := store.DeliveryKeyString(item.Key())
	if id, ok := s.byKey[key]; ok {
		return store.CloneItem(s.items[id]), false, nil
	}
	s.items[item.ID] = store.CloneItem(item)
	s.byKey[key] = item.ID
	return store.CloneItem(item), true, nil
}

func (s *Store) GetItem(ctx context.Context, id string) (*types.DeliveryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return store.CloneItem(item), nil
}

func (s *Store) UpdateItem(ctx context.Context, item *types.DeliveryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[item.ID]; !ok {
		return store.ErrNotFound
	}
	s.items[item.ID] = store.CloneItem(item)
	return nil
}

func (s *Store) DeleteItem(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.byKey, store.DeliveryKeyString(item.Key()))
	delete(s.items, id)
	return nil
}

func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*types.DeliveryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*types.DeliveryItem
	for _, item := range s.items {
		if item.Due(now) {
			due = append(due, store.CloneItem(item))
		}
	}
	sortItems(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) ListItems(ctx context.Context) ([]*types.DeliveryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.DeliveryItem, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, store.CloneItem(item))
	}
	sortItems(out)
	return out, nil
}

func (s *Store) CountItems(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items), nil
}

func sortItems(items []*types.DeliveryItem) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].Created.Equal(items[j].Created) {
			return items[i].Created.Before(items[j].Created)
		}
		return items[i].ID < items[j].ID
	})
}

func (s *Store) GetServer(ctx context.Context, id types.ServerID) (*types.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	srv, ok := s.servers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return store.CloneServer(srv), nil
}

func (s *Store) PutServer(ctx context.Context, srv *types.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[srv.ID] = store.CloneServer(srv)
	return nil
}

func (s *Store) ListServers(ctx context.Context) ([]*types.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Server, 0, len(s.servers))
	for _, srv := range s.servers {
		out = append(out, store.CloneServer(srv))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) PutOutbox(ctx context.Context, e *types.OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox[e.PostURIID] = store.CloneOutbox(e)
	return nil
}

func (s *Store) GetOutbox(ctx context.Context, id types.PostURIID) (*types.OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.outbox[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return store.CloneOutbox(e), nil
}

func (s *Store) DeleteOutbox(ctx context.Context, id types.PostURIID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outbox, id)
	return nil
}

func (s *Store) AppendInbox(ctx context.Context, e *types.InboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbox = append(s.inbox, store.CloneInbox(e))
	return nil
}

// ListInbox returns entries for user in arrival order. User 0 selects
// public entries.
func (s *Store) ListInbox(ctx context.Context, user types.UserID) ([]*types.InboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.InboxEntry
	for _, e := range s.inbox {
		if e.UserID == user {
			out = append(out, store.CloneInbox(e))
		}
	}
	return out, nil
}

func (s *Store) Close() error { return nil }
