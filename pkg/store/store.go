// Package store defines the persistence ports used by the health tracker,
// the delivery queue and the directory. Adapters live in the memstore,
// badgerstore and sqlstore subpackages.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postbox/pkg/types"
)

var ErrNotFound = errors.New("not found")

// QueueStore persists delivery queue items.
type QueueStore interface {
	// InsertItem stores item unless an item with the same DeliveryKey
	// exists, in which case the existing item is returned and created is
	// false.
	InsertItem(ctx context.Context, item *types.DeliveryItem) (existing *types.DeliveryItem, created bool, err error)
	GetItem(ctx context.Context, id string) (*types.DeliveryItem, error)
	UpdateItem(ctx context.Context, item *types.DeliveryItem) error
	DeleteItem(ctx context.Context, id string) error
	// ListDue returns up to limit items whose NextAttempt is not after now,
	// oldest first. A non-positive limit means no limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*types.DeliveryItem, error)
	ListItems(ctx context.Context) ([]*types.DeliveryItem, error)
	CountItems(ctx context.Context) (int, error)
}

// ServerStore persists remote server health records.
type ServerStore interface {
	GetServer(ctx context.Context, id types.ServerID) (*types.Server, error)
	PutServer(ctx context.Context, s *types.Server) error
	ListServers(ctx context.Context) ([]*types.Server, error)
}

// OutboxStore holds the bodies of local posts that are federated out.
type OutboxStore interface {
	PutOutbox(ctx context.Context, e *types.OutboxEntry) error
	GetOutbox(ctx context.Context, id types.PostURIID) (*types.OutboxEntry, error)
	DeleteOutbox(ctx context.Context, id types.PostURIID) error
}

// InboxStore holds payloads accepted from remote authors.
type InboxStore interface {
	AppendInbox(ctx context.Context, e *types.InboxEntry) error
	ListInbox(ctx context.Context, user types.UserID) ([]*types.InboxEntry, error)
}

// Store is implemented by every adapter.
type Store interface {
	QueueStore
	ServerStore
	OutboxStore
	InboxStore
	Close() error
}

// DeliveryKeyString renders a DeliveryKey for use as an index key.
func DeliveryKeyString(k types.DeliveryKey) string {
	return fmt.Sprintf("%s|%d|%s|%d", k.ServerID, k.PostURIID, k.Command, k.ContactID)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// CloneItem returns a deep copy of item.
func CloneItem(item *types.DeliveryItem) *types.DeliveryItem {
	if item == nil {
		return nil
	}
	c := *item
	return &c
}

// CloneServer returns a deep copy of s.
func CloneServer(s *types.Server) *types.Server {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// CloneOutbox returns a deep copy of e.
func CloneOutbox(e *types.OutboxEntry) *types.OutboxEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.Body = cloneBytes(e.Body)
	return &c
}

// CloneInbox returns a deep copy of e.
func CloneInbox(e *types.InboxEntry) *types.InboxEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.Payload = cloneBytes(e.Payload)
	return &c
}
