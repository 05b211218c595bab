package delivery

import (
	"context"
	"crypto/rsa"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"postbox/pkg/envelope"
	"postbox/pkg/federation"
	"postbox/pkg/health"
	"postbox/pkg/keys"
	"postbox/pkg/store"
	"postbox/pkg/store/memstore"
	"postbox/pkg/transport"
	"postbox/pkg/types"
)

const (
	serverB types.ServerID = "https://b.example"
	alice                  = "alice@a.example"
	bob                    = "bob@b.example"
)

var (
	keyOnce          sync.Once
	aliceKey, bobKey *keys.KeyPair
	t0               = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func testKeys(t *testing.T) {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		if aliceKey, err = keys.Generate(2048); err != nil {
			panic(err)
		}
		if bobKey, err = keys.Generate(2048); err != nil {
			panic(err)
		}
	})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type sent struct {
	url     string
	body    []byte
	headers map[string]string
}

// fakeTransport answers every request with respond.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []sent
	respond func(ctx context.Context, url string) (int, error)
}

func (f *fakeTransport) Send(ctx context.Context, url string, body []byte, headers map[string]string) (int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sent{url: url, body: body, headers: headers})
	respond := f.respond
	f.mu.Unlock()
	return respond(ctx, url)
}

func (f *fakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func status(code int) func(context.Context, string) (int, error) {
	return func(_ context.Context, url string) (int, error) {
		if code >= 200 && code < 300 {
			return code, nil
		}
		return code, &transport.TransportError{URL: url, StatusCode: code}
	}
}

type payloadMap map[types.PostURIID]string

func (m payloadMap) Payload(_ context.Context, post types.PostURIID, _ types.Command) (*Payload, error) {
	body, ok := m[post]
	if !ok {
		return nil, ErrPayloadGone
	}
	return &Payload{Body: []byte(body)}, nil
}

type directory struct{}

func (directory) Sender(context.Context, types.UserID) (*Sender, error) {
	return &Sender{Identity: alice, Key: aliceKey}, nil
}

func (directory) Recipient(_ context.Context, server types.ServerID, contact types.ContactID) (*Recipient, error) {
	if contact != 7 {
		return nil, store.ErrNotFound
	}
	return &Recipient{Identity: bob, Inbox: string(server) + "/receive/users/b0b", PublicKey: bobKey.PublicKey()}, nil
}

type harness struct {
	q         *Queue
	st        *memstore.Store
	tracker   *health.Tracker
	transport *fakeTransport
	clock     *fakeClock
	logs      *observer.ObservedLogs
	metrics   *federation.Metrics
	payloads  payloadMap
}

func newHarness(t *testing.T) *harness {
	testKeys(t)
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	metrics := federation.NewMetrics(prometheus.NewRegistry())

	st := memstore.New()
	tracker, err := health.NewTracker(st, health.DefaultBackoffPolicy(), logger, metrics)
	require.NoError(t, err)

	h := &harness{
		st:        st,
		tracker:   tracker,
		transport: &fakeTransport{respond: status(http.StatusAccepted)},
		clock:     &fakeClock{now: t0},
		logs:      logs,
		metrics:   metrics,
		payloads:  payloadMap{1: "<post>one</post>", 2: "<post>two</post>", 3: "<follow/>"},
	}
	h.q, err = NewQueue(Options{
		Config:    DefaultConfig(),
		Store:     st,
		Tracker:   tracker,
		Payloads:  h.payloads,
		Directory: directory{},
		Transport: h.transport,
		Clock:     h.clock,
		Logger:    logger,
		Metrics:   metrics,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) enqueue(t *testing.T, post types.PostURIID, cmd types.Command) *types.DeliveryItem {
	t.Helper()
	item, _, err := h.q.Enqueue(context.Background(), EnqueueRequest{
		Server:       string(serverB),
		PostURIID:    post,
		Command:      cmd,
		ContactID:    7,
		SenderUserID: 1,
	})
	require.NoError(t, err)
	return item
}

func (h *harness) process(t *testing.T, item *types.DeliveryItem) Outcome {
	t.Helper()
	outcome, err := h.q.ProcessOne(context.Background(), item)
	require.NoError(t, err)
	return outcome
}

func TestEnqueueIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, created, err := h.q.Enqueue(ctx, EnqueueRequest{Server: "https://B.example/", PostURIID: 1, Command: types.CommandPost, SenderUserID: 1})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, serverB, first.ServerID)
	assert.Equal(t, 0, first.Failed)

	again, created, err := h.q.Enqueue(ctx, EnqueueRequest{Server: "https://b.example", PostURIID: 1, Command: types.CommandPost, SenderUserID: 1})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	depth, err := h.q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Enqueued))
}

func TestEnqueueValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _, err := h.q.Enqueue(ctx, EnqueueRequest{Server: "ftp://b.example", PostURIID: 1, Command: types.CommandPost})
	assert.Error(t, err)
	_, _, err = h.q.Enqueue(ctx, EnqueueRequest{Server: "https://b.example", PostURIID: 1, Command: "poke"})
	assert.Error(t, err)
	_, _, err = h.q.Enqueue(ctx, EnqueueRequest{Server: "https://b.example", PostURIID: 1, Command: types.CommandMail})
	assert.Error(t, err, "private commands need a contact")
}

func TestDeliverPublic(t *testing.T) {
	h := newHarness(t)
	item := h.enqueue(t, 1, types.CommandPost)

	assert.Equal(t, Delivered, h.process(t, item))

	require.Equal(t, 1, h.transport.Calls())
	call := h.transport.calls[0]
	assert.Equal(t, "https://b.example/receive/public", call.url)
	assert.Equal(t, "application/magic-envelope+xml", call.headers["Content-Type"])

	env, err := envelope.Parse(call.headers["Content-Type"], call.body)
	require.NoError(t, err)
	assert.False(t, env.IsPrivate())
	out, err := envelope.NewCodec().Decode(context.Background(), env,
		envelope.KeyResolverFunc(func(context.Context, string) (*rsa.PublicKey, error) { return aliceKey.PublicKey(), nil }), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("<post>one</post>"), out.Payload)

	_, err = h.st.GetItem(context.Background(), item.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	srv, err := h.tracker.Get(context.Background(), serverB)
	require.NoError(t, err)
	assert.True(t, srv.LastContact.Equal(t0))
}

func TestDeliverPrivateUsesDeclaredFormat(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tracker.DeclareFormat(context.Background(), serverB, envelope.FormatJSON, ""))
	item := h.enqueue(t, 3, types.CommandFollow)

	assert.Equal(t, Delivered, h.process(t, item))

	call := h.transport.calls[0]
	assert.Equal(t, "https://b.example/receive/users/b0b", call.url)
	assert.Equal(t, "application/json", call.headers["Content-Type"])

	env, err := envelope.JSONFormat{}.Unmarshal(call.body)
	require.NoError(t, err)
	assert.True(t, env.IsPrivate())
	assert.NotContains(t, string(call.body), "<follow/>")

	out, err := envelope.NewCodec().Decode(context.Background(), env,
		envelope.KeyResolverFunc(func(context.Context, string) (*rsa.PublicKey, error) { return aliceKey.PublicKey(), nil }),
		bobKey.PrivateKey())
	require.NoError(t, err)
	assert.Equal(t, []byte("<follow/>"), out.Payload)
}

func TestRetryCeiling(t *testing.T) {
	h := newHarness(t)
	h.transport.respond = status(http.StatusServiceUnavailable)
	item := h.enqueue(t, 1, types.CommandPost)

	var outcomes []Outcome
	for i := 0; i < 20 && len(outcomes) < 20; i++ {
		current, err := h.st.GetItem(context.Background(), item.ID)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		require.NoError(t, err)

		// Jump to whichever comes later: the item's retry time or the
		// server's next contact time.
		next := current.NextAttempt
		if srv, err := h.tracker.Get(context.Background(), serverB); err == nil && srv.Failed && srv.NextContact.After(next) {
			next = srv.NextContact
		}
		h.clock.Set(next)
		outcomes = append(outcomes, h.process(t, current))
	}

	assert.Equal(t, []Outcome{Retrying, Retrying, Retrying, Retrying, Abandoned}, outcomes)
	assert.Equal(t, DefaultMaxAttempts, h.transport.Calls())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DeliveryAbandoned))

	abandoned := h.logs.FilterMessage("Delivery abandoned").All()
	require.Len(t, abandoned, 1)
	assert.Equal(t, zapcore.ErrorLevel, abandoned[0].Level)
	assert.Equal(t, "retry_ceiling", abandoned[0].ContextMap()["reason"])
	assert.Equal(t, int64(DefaultMaxAttempts), abandoned[0].ContextMap()["failed"])
}

func TestFailedAttemptSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	h.transport.respond = status(http.StatusBadGateway)
	item := h.enqueue(t, 1, types.CommandPost)

	assert.Equal(t, Retrying, h.process(t, item))

	got, err := h.st.GetItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Failed)
	assert.True(t, got.NextAttempt.Equal(t0.Add(health.DefaultBaseInterval)))
	assert.Contains(t, got.LastError, "502")

	// Not due yet: no network I/O.
	assert.Equal(t, Deferred, h.process(t, got))
	assert.Equal(t, 1, h.transport.Calls())
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	h := newHarness(t)
	h.transport.respond = func(_ context.Context, url string) (int, error) {
		return 0, &transport.TransportError{URL: url, Timeout: true, Err: context.DeadlineExceeded}
	}
	item := h.enqueue(t, 1, types.CommandPost)

	assert.Equal(t, Retrying, h.process(t, item))

	srv, err := h.tracker.Get(context.Background(), serverB)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.ConsecutiveFailures)

	warn := h.logs.FilterMessage("Delivery attempt failed").All()
	require.Len(t, warn, 1)
	assert.Equal(t, "server_failure", warn[0].ContextMap()["class"])
}

func TestPayloadGoneDropsItem(t *testing.T) {
	h := newHarness(t)
	item := h.enqueue(t, 99, types.CommandPost)

	assert.Equal(t, Dropped, h.process(t, item))
	assert.Equal(t, 0, h.transport.Calls())

	_, err := h.st.GetItem(context.Background(), item.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	dropped := h.logs.FilterMessage("Delivery abandoned").All()
	require.Len(t, dropped, 1)
	assert.Equal(t, "payload_gone", dropped[0].ContextMap()["reason"])
}

func TestUnknownContactDropsItem(t *testing.T) {
	h := newHarness(t)
	item, _, err := h.q.Enqueue(context.Background(), EnqueueRequest{
		Server:       string(serverB),
		PostURIID:    3,
		Command:      types.CommandFollow,
		ContactID:    8,
		SenderUserID: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, Dropped, h.process(t, item))
	assert.Equal(t, 0, h.transport.Calls())

	dropped := h.logs.FilterMessage("Delivery abandoned").All()
	require.Len(t, dropped, 1)
	assert.Equal(t, "identity_missing", dropped[0].ContextMap()["reason"])
}

func TestConcurrentAttemptIsBusy(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.transport.respond = func(context.Context, string) (int, error) {
		close(entered)
		<-release
		return http.StatusOK, nil
	}
	item := h.enqueue(t, 1, types.CommandPost)

	done := make(chan Outcome)
	go func() {
		outcome, _ := h.q.ProcessOne(context.Background(), item)
		done <- outcome
	}()
	<-entered

	// Same (server, post) while the first attempt is in flight.
	assert.Equal(t, Busy, h.process(t, item))

	close(release)
	assert.Equal(t, Delivered, <-done)
	assert.Equal(t, 1, h.transport.Calls())

	// The item is gone now; a stale copy is ignored.
	assert.Equal(t, Busy, h.process(t, item))
}

// Node B answers 503 five times in a row: the item is deleted after the
// fifth failure, B is marked failed, and the next delivery to B waits for
// B's next contact time.
func TestEndToEndUnreachableServer(t *testing.T) {
	h := newHarness(t)
	h.transport.respond = status(http.StatusServiceUnavailable)
	ctx := context.Background()

	p1 := h.enqueue(t, 1, types.CommandPost)
	for attempt := 1; attempt <= 5; attempt++ {
		counts, err := h.q.ProcessDue(ctx, 0)
		require.NoError(t, err)
		if attempt < 5 {
			require.Equal(t, 1, counts[Retrying], "attempt %d", attempt)

			current, err := h.st.GetItem(ctx, p1.ID)
			require.NoError(t, err)
			srv, err := h.tracker.Get(ctx, serverB)
			require.NoError(t, err)
			next := current.NextAttempt
			if srv.NextContact.After(next) {
				next = srv.NextContact
			}
			h.clock.Set(next)
		} else {
			require.Equal(t, 1, counts[Abandoned])
		}
	}
	require.Equal(t, 5, h.transport.Calls())

	_, err := h.st.GetItem(ctx, p1.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	srv, err := h.tracker.Get(ctx, serverB)
	require.NoError(t, err)
	require.True(t, srv.Failed)
	require.True(t, srv.NextContact.After(h.clock.Now()))

	// A different post for B is deferred without network I/O until nextContact.
	p2 := h.enqueue(t, 2, types.CommandPost)
	assert.Equal(t, Deferred, h.process(t, p2))
	h.clock.Set(srv.NextContact.Add(-time.Second))
	assert.Equal(t, Deferred, h.process(t, p2))
	assert.Equal(t, 5, h.transport.Calls())

	h.transport.respond = status(http.StatusAccepted)
	h.clock.Set(srv.NextContact)
	assert.Equal(t, Delivered, h.process(t, p2))
	assert.Equal(t, 6, h.transport.Calls())

	srv, err = h.tracker.Get(ctx, serverB)
	require.NoError(t, err)
	assert.False(t, srv.Failed)
	assert.Equal(t, 0, srv.BackoffExponent)
}

func TestNewQueueValidation(t *testing.T) {
	_, err := NewQueue(Options{})
	assert.Error(t, err)

	h := newHarness(t)
	_, err = NewQueue(Options{
		Config:    Config{MaxAttempts: 0},
		Store:     h.st,
		Tracker:   h.tracker,
		Payloads:  h.payloads,
		Directory: directory{},
		Transport: h.transport,
	})
	assert.Error(t, err)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "delivered", Delivered.String())
	assert.Equal(t, "busy", Busy.String())
	assert.Equal(t, "outcome(0)", Outcome(0).String())
}

// Items for an unreachable server move out of the due set, so a full batch
// of them cannot hold back deliveries to other servers.
func TestUnreachableServerDoesNotStarveOthers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	serverC := types.ServerID("https://c.example")

	for i := 0; i < health.DefaultFailureThreshold; i++ {
		_, err := h.tracker.RecordFailure(ctx, serverB, t0)
		require.NoError(t, err)
	}
	srv, err := h.tracker.Get(ctx, serverB)
	require.NoError(t, err)
	require.True(t, srv.Failed)

	b1 := h.enqueue(t, 1, types.CommandPost)
	b2 := h.enqueue(t, 2, types.CommandPost)
	h.clock.Set(t0.Add(time.Second))
	_, _, err = h.q.Enqueue(ctx, EnqueueRequest{Server: string(serverC), PostURIID: 1, Command: types.CommandPost, SenderUserID: 1})
	require.NoError(t, err)

	counts, err := h.q.ProcessDue(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[Deferred])

	for _, id := range []string{b1.ID, b2.ID} {
		got, err := h.st.GetItem(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.NextAttempt.Equal(srv.NextContact))
		assert.Zero(t, got.Failed)
	}

	counts, err = h.q.ProcessDue(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[Delivered])
	require.Equal(t, 1, h.transport.Calls())
	assert.Equal(t, "https://c.example/receive/public", h.transport.calls[0].url)
}

func TestPrivateEnqueuePerContact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mail := func(contact types.ContactID) EnqueueRequest {
		return EnqueueRequest{Server: string(serverB), PostURIID: 3, Command: types.CommandMail, ContactID: contact, SenderUserID: 1}
	}

	first, created, err := h.q.Enqueue(ctx, mail(7))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := h.q.Enqueue(ctx, mail(8))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, types.ContactID(8), second.ContactID)

	// Public commands are keyed without the contact.
	pub := h.enqueue(t, 1, types.CommandPost)
	assert.Zero(t, pub.ContactID)
	again, created, err := h.q.Enqueue(ctx, EnqueueRequest{Server: string(serverB), PostURIID: 1, Command: types.CommandPost, ContactID: 9, SenderUserID: 1})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, pub.ID, again.ID)

	depth, err := h.q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, depth)
}

type brokenServers struct {
	*memstore.Store
}

func (brokenServers) PutServer(context.Context, *types.Server) error {
	return errors.New("disk full")
}

func TestFailureCountedWhenHealthRecordFails(t *testing.T) {
	h := newHarness(t)
	tracker, err := health.NewTracker(brokenServers{h.st}, health.DefaultBackoffPolicy(), zap.NewNop(), nil)
	require.NoError(t, err)
	h.q, err = NewQueue(Options{
		Config:    DefaultConfig(),
		Store:     h.st,
		Tracker:   tracker,
		Payloads:  h.payloads,
		Directory: directory{},
		Transport: h.transport,
		Clock:     h.clock,
	})
	require.NoError(t, err)
	h.transport.respond = status(http.StatusServiceUnavailable)
	item := h.enqueue(t, 1, types.CommandPost)

	outcome, err := h.q.ProcessOne(context.Background(), item)
	assert.Equal(t, Retrying, outcome)
	assert.ErrorContains(t, err, "disk full")

	got, err := h.st.GetItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Failed)
	assert.True(t, got.NextAttempt.Equal(t0.Add(health.DefaultBaseInterval)))
}
