package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"postbox/pkg/delivery"
	"postbox/pkg/dispatch"
	"postbox/pkg/store"
	"postbox/pkg/types"
)

// Outbox serves queued deliveries from the bodies stored for local posts.
type Outbox struct {
	st store.OutboxStore
}

var _ delivery.PayloadSource = (*Outbox)(nil)

func NewOutbox(st store.OutboxStore) *Outbox {
	return &Outbox{st: st}
}

// Put stores the body federated for post, replacing any previous one.
func (o *Outbox) Put(ctx context.Context, post types.PostURIID, dataType string, body []byte) error {
	if post <= 0 {
		return fmt.Errorf("invalid post id %d", post)
	}
	if dataType == "" {
		return errors.New("data type is required")
	}
	return o.st.PutOutbox(ctx, &types.OutboxEntry{
		PostURIID: post,
		DataType:  dataType,
		Body:      body,
		Created:   time.Now().UTC(),
	})
}

// Payload implements delivery.PayloadSource. A post whose body is gone
// yields delivery.ErrPayloadGone.
func (o *Outbox) Payload(ctx context.Context, post types.PostURIID, cmd types.Command) (*delivery.Payload, error) {
	e, err := o.st.GetOutbox(ctx, post)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("post %d for %s: %w", post, cmd, delivery.ErrPayloadGone)
	}
	if err != nil {
		return nil, err
	}
	return &delivery.Payload{DataType: e.DataType, Body: e.Body}, nil
}

// Inbox stores verified payloads for the application to pick up.
type Inbox struct {
	st     store.InboxStore
	logger *zap.Logger
}

var _ dispatch.Importer = (*Inbox)(nil)

func NewInbox(st store.InboxStore, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{st: st, logger: logger}
}

// Import implements dispatch.Importer. Public payloads land in the inbox
// of user 0.
func (i *Inbox) Import(ctx context.Context, req dispatch.ImportRequest) error {
	entry := &types.InboxEntry{
		ID:       uuid.NewString(),
		Author:   req.Author,
		DataType: req.DataType,
		Private:  req.Scope == types.ScopePrivate,
		Payload:  req.Payload,
		Received: time.Now().UTC(),
	}
	if req.User != nil {
		entry.UserID = req.User.ID
	}

	if err := i.st.AppendInbox(ctx, entry); err != nil {
		return fmt.Errorf("failed to store inbox entry: %w", err)
	}

	i.logger.Debug("Inbox entry stored",
		zap.String("id", entry.ID),
		zap.Int64("user_id", int64(entry.UserID)),
		zap.String("author", entry.Author),
		zap.String("data_type", entry.DataType))
	return nil
}
