// Package delivery owns the outbound queue: one item per (server, post,
// command), attempted over HTTP, retried with backoff and abandoned after
// a fixed number of failed attempts.
package delivery

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"postbox/pkg/envelope"
	"postbox/pkg/federation"
	"postbox/pkg/health"
	"postbox/pkg/keys"
	"postbox/pkg/store"
	"postbox/pkg/transport"
	"postbox/pkg/types"
	"postbox/pkg/utils"
)

const (
	DefaultMaxAttempts    = 5
	DefaultAttemptTimeout = 30 * time.Second

	// PublicInboxPath is appended to a server's base URL when it has not
	// declared a public inbox.
	PublicInboxPath = "/receive/public"
)

// ErrPayloadGone is returned by a PayloadSource when the content to deliver
// no longer exists.
var ErrPayloadGone = errors.New("payload no longer available")

type Outcome int

const (
	Delivered Outcome = iota + 1
	Deferred
	Retrying
	Abandoned
	Dropped
	Busy
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Deferred:
		return "deferred"
	case Retrying:
		return "retrying"
	case Abandoned:
		return "abandoned"
	case Dropped:
		return "dropped"
	case Busy:
		return "busy"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Payload is the serialized content of one post for one command.
type Payload struct {
	DataType string
	Body     []byte
}

// PayloadSource renders the content behind a queue item.
type PayloadSource interface {
	Payload(ctx context.Context, post types.PostURIID, cmd types.Command) (*Payload, error)
}

// Sender is the local author of outbound envelopes.
type Sender struct {
	Identity string
	Key      *keys.KeyPair
}

// Recipient is the remote contact a private envelope is encrypted for.
type Recipient struct {
	Identity  string
	Inbox     string
	PublicKey *rsa.PublicKey
}

// KeyDirectory supplies signing keys for local users and encryption keys
// for remote contacts.
type KeyDirectory interface {
	Sender(ctx context.Context, user types.UserID) (*Sender, error)
	Recipient(ctx context.Context, server types.ServerID, contact types.ContactID) (*Recipient, error)
}

// Transport is satisfied by *transport.HTTP.
type Transport interface {
	Send(ctx context.Context, url string, body []byte, headers map[string]string) (int, error)
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

type Config struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{MaxAttempts: DefaultMaxAttempts, AttemptTimeout: DefaultAttemptTimeout}
}

type Options struct {
	Config    Config
	Store     store.QueueStore
	Tracker   *health.Tracker
	Payloads  PayloadSource
	Directory KeyDirectory
	Transport Transport
	Clock     Clock
	Logger    *zap.Logger
	Metrics   *federation.Metrics
}

type inflightKey struct {
	server types.ServerID
	post   types.PostURIID
}

type Queue struct {
	cfg       Config
	store     store.QueueStore
	tracker   *health.Tracker
	payloads  PayloadSource
	directory KeyDirectory
	transport Transport
	clock     Clock
	codec     *envelope.Codec
	inflight  *utils.KeyedMutex[inflightKey]
	logger    *zap.Logger
	metrics   *federation.Metrics
}

func NewQueue(opts Options) (*Queue, error) {
	if opts.Store == nil || opts.Tracker == nil || opts.Payloads == nil || opts.Directory == nil || opts.Transport == nil {
		return nil, errors.New("delivery queue: store, tracker, payloads, directory and transport are required")
	}
	if opts.Config.MaxAttempts < 1 {
		return nil, fmt.Errorf("delivery queue: max attempts must be at least 1, got %d", opts.Config.MaxAttempts)
	}
	if opts.Config.AttemptTimeout <= 0 {
		opts.Config.AttemptTimeout = DefaultAttemptTimeout
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Queue{
		cfg:       opts.Config,
		store:     opts.Store,
		tracker:   opts.Tracker,
		payloads:  opts.Payloads,
		directory: opts.Directory,
		transport: opts.Transport,
		clock:     opts.Clock,
		codec:     envelope.NewCodec(),
		inflight:  utils.NewKeyedMutex[inflightKey](),
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}, nil
}

// EnqueueRequest describes one delivery obligation.
type EnqueueRequest struct {
	Server       string
	PostURIID    types.PostURIID
	Command      types.Command
	ContactID    types.ContactID
	SenderUserID types.UserID
}

// Enqueue stores a new item unless one is already pending for the same
// (server, post, command, contact); in that case the pending item is
// returned and created is false. The contact only takes part in the key for
// private commands.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (item *types.DeliveryItem, created bool, err error) {
	server, err := types.NormalizeServerID(req.Server)
	if err != nil {
		return nil, false, err
	}
	if !req.Command.Valid() {
		return nil, false, fmt.Errorf("enqueue: unknown command %q", string(req.Command))
	}
	contact := req.ContactID
	switch req.Command.Scope() {
	case types.ScopePrivate:
		if contact == 0 {
			return nil, false, fmt.Errorf("enqueue: %s needs a target contact", req.Command)
		}
	default:
		contact = 0
	}

	now := q.clock.Now()
	item, created, err = q.store.InsertItem(ctx, &types.DeliveryItem{
		ID:           uuid.NewString(),
		ServerID:     server,
		PostURIID:    req.PostURIID,
		Command:      req.Command,
		ContactID:    contact,
		SenderUserID: req.SenderUserID,
		Created:      now,
		NextAttempt:  now,
	})
	if err != nil {
		return nil, false, fmt.Errorf("enqueue: %w", err)
	}

	if created {
		q.metrics.ObserveEnqueued()
		q.logger.Debug("Delivery enqueued", itemFields(item)...)
	}
	return item, created, nil
}

func itemFields(item *types.DeliveryItem) []zap.Field {
	return []zap.Field{
		zap.String("item_id", item.ID),
		zap.String("server", string(item.ServerID)),
		zap.Int64("post_uri_id", int64(item.PostURIID)),
		zap.String("command", string(item.Command)),
	}
}

// ProcessOne attempts delivery of item. A non-nil error means a local
// failure (store, keys, payload rendering). The item is then left as it was,
// except that a send that went out and failed is always counted.
func (q *Queue) ProcessOne(ctx context.Context, item *types.DeliveryItem) (Outcome, error) {
	unlock, ok := q.inflight.TryLock(inflightKey{server: item.ServerID, post: item.PostURIID})
	if !ok {
		return Busy, nil
	}
	defer unlock()

	// The caller's copy may be stale if another worker handled the item
	// between listing and locking.
	current, err := q.store.GetItem(ctx, item.ID)
	if errors.Is(err, store.ErrNotFound) {
		return Busy, nil
	}
	if err != nil {
		return Deferred, fmt.Errorf("reload item %s: %w", item.ID, err)
	}
	item = current

	now := q.clock.Now()
	if !item.Due(now) {
		return Deferred, nil
	}

	contactable, err := q.tracker.IsContactable(ctx, item.ServerID, now)
	if err != nil {
		return Deferred, err
	}
	if !contactable {
		if err := q.postpone(ctx, item); err != nil {
			return Deferred, err
		}
		q.logger.Debug("Server not contactable, deferring", append(itemFields(item),
			zap.Time("next_attempt", item.NextAttempt))...)
		q.metrics.ObserveDelivery(Deferred.String(), 0)
		return Deferred, nil
	}

	req, err := q.prepare(ctx, item)
	if errors.Is(err, ErrPayloadGone) || errors.Is(err, store.ErrNotFound) {
		return q.drop(ctx, item, err)
	}
	if err != nil {
		return Deferred, fmt.Errorf("prepare item %s: %w", item.ID, err)
	}

	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.cfg.AttemptTimeout)
	start := time.Now()
	status, sendErr := q.transport.Send(attemptCtx, req.url, req.body, req.headers)
	took := time.Since(start)
	cancel()

	if sendErr == nil {
		return q.succeed(ctx, item, status, took)
	}
	return q.fail(ctx, item, sendErr, took)
}

// postpone moves item's next attempt to the server's next contact time so
// it stops occupying due batches. The attempt count is left alone.
func (q *Queue) postpone(ctx context.Context, item *types.DeliveryItem) error {
	srv, err := q.tracker.Get(ctx, item.ServerID)
	if err != nil {
		return fmt.Errorf("postpone item %s: %w", item.ID, err)
	}
	if !srv.NextContact.After(item.NextAttempt) {
		return nil
	}
	item.NextAttempt = srv.NextContact
	if err := q.store.UpdateItem(ctx, item); err != nil {
		return fmt.Errorf("postpone item %s: %w", item.ID, err)
	}
	return nil
}

type outbound struct {
	url     string
	body    []byte
	headers map[string]string
}

func (q *Queue) prepare(ctx context.Context, item *types.DeliveryItem) (*outbound, error) {
	payload, err := q.payloads.Payload(ctx, item.PostURIID, item.Command)
	if err != nil {
		return nil, err
	}
	sender, err := q.directory.Sender(ctx, item.SenderUserID)
	if err != nil {
		return nil, fmt.Errorf("sender %d: %w", item.SenderUserID, err)
	}

	format := envelope.Format(envelope.XMLFormat{})
	inbox := string(item.ServerID) + PublicInboxPath
	if srv, err := q.tracker.Get(ctx, item.ServerID); err == nil {
		if f, err := envelope.FormatByName(srv.Format); err == nil {
			format = f
		}
		if srv.PublicInbox != "" {
			inbox = srv.PublicInbox
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	var env *envelope.Envelope
	switch item.Command.Scope() {
	case types.ScopePrivate:
		rcpt, err := q.directory.Recipient(ctx, item.ServerID, item.ContactID)
		if err != nil {
			return nil, fmt.Errorf("recipient %d: %w", item.ContactID, err)
		}
		inbox = rcpt.Inbox
		env, err = q.codec.EncodePrivate(payload.Body, payload.DataType, sender.Identity, sender.Key, rcpt.PublicKey)
		if err != nil {
			return nil, err
		}
	default:
		env, err = q.codec.EncodePublic(payload.Body, payload.DataType, sender.Identity, sender.Key)
		if err != nil {
			return nil, err
		}
	}

	body, err := format.Marshal(env)
	if err != nil {
		return nil, err
	}
	return &outbound{
		url:     inbox,
		body:    body,
		headers: map[string]string{"Content-Type": format.ContentType()},
	}, nil
}

func (q *Queue) succeed(ctx context.Context, item *types.DeliveryItem, status int, took time.Duration) (Outcome, error) {
	now := q.clock.Now()
	if err := q.store.DeleteItem(ctx, item.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return Delivered, fmt.Errorf("delete delivered item %s: %w", item.ID, err)
	}
	if err := q.tracker.RecordSuccess(ctx, item.ServerID, now); err != nil {
		return Delivered, err
	}

	q.metrics.ObserveDelivery(Delivered.String(), took)
	q.logger.Debug("Delivery succeeded", append(itemFields(item),
		zap.Int("status", status),
		zap.Int("attempt", item.Failed+1),
		zap.Duration("took", took))...)
	return Delivered, nil
}

func (q *Queue) fail(ctx context.Context, item *types.DeliveryItem, sendErr error, took time.Duration) (Outcome, error) {
	now := q.clock.Now()
	item.Failed++
	item.LastError = sendErr.Error()

	class := "server_failure"
	var te *transport.TransportError
	if errors.As(sendErr, &te) {
		class = te.Class()
	}

	// The attempt counts against the item even when the health record
	// cannot be written; trackErr is returned once the item is settled.
	serverFailed := false
	srv, trackErr := q.tracker.RecordFailure(ctx, item.ServerID, now)
	if trackErr != nil {
		trackErr = fmt.Errorf("record failure for %s: %w", item.ServerID, trackErr)
	} else {
		serverFailed = srv.Failed
	}

	fields := append(itemFields(item),
		zap.Int("failed", item.Failed),
		zap.String("class", class),
		zap.Bool("server_failed", serverFailed),
		zap.Error(sendErr))

	if item.Failed >= q.cfg.MaxAttempts {
		if err := q.store.DeleteItem(ctx, item.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return Abandoned, fmt.Errorf("delete abandoned item %s: %w", item.ID, err)
		}
		q.metrics.ObserveDelivery(Abandoned.String(), took)
		q.metrics.ObserveAbandoned()
		q.logger.Error("Delivery abandoned", append(fields, zap.String("reason", "retry_ceiling"))...)
		return Abandoned, trackErr
	}

	item.NextAttempt = now.Add(q.tracker.Policy().Interval(item.Failed))
	if err := q.store.UpdateItem(ctx, item); err != nil {
		return Retrying, fmt.Errorf("update item %s: %w", item.ID, err)
	}

	q.metrics.ObserveDelivery(Retrying.String(), took)
	q.logger.Warn("Delivery attempt failed", append(fields, zap.Time("next_attempt", item.NextAttempt))...)
	return Retrying, trackErr
}

func (q *Queue) drop(ctx context.Context, item *types.DeliveryItem, cause error) (Outcome, error) {
	if err := q.store.DeleteItem(ctx, item.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return Dropped, fmt.Errorf("delete dropped item %s: %w", item.ID, err)
	}
	reason := "payload_gone"
	if !errors.Is(cause, ErrPayloadGone) {
		reason = "identity_missing"
	}
	q.metrics.ObserveDelivery(Dropped.String(), 0)
	q.logger.Error("Delivery abandoned", append(itemFields(item),
		zap.String("reason", reason),
		zap.Error(cause))...)
	return Dropped, nil
}

// ProcessDue runs ProcessOne over every item due now, in creation order,
// and returns how many items ended in each outcome.
func (q *Queue) ProcessDue(ctx context.Context, limit int) (map[Outcome]int, error) {
	items, err := q.store.ListDue(ctx, q.clock.Now(), limit)
	if err != nil {
		return nil, err
	}

	counts := make(map[Outcome]int)
	var errs []string
	for _, item := range items {
		outcome, err := q.ProcessOne(ctx, item)
		counts[outcome]++
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return counts, fmt.Errorf("%d items failed locally: %s", len(errs), strings.Join(errs, "; "))
	}
	return counts, nil
}

// Pending returns every queued item.
func (q *Queue) Pending(ctx context.Context) ([]*types.DeliveryItem, error) {
	return q.store.ListItems(ctx)
}

// Depth returns the number of queued items.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	return q.store.CountItems(ctx)
}
