package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"postbox/pkg/federation"
	"postbox/pkg/store"
	"postbox/pkg/store/memstore"
	"postbox/pkg/types"
)

const serverB types.ServerID = "https://b.example"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTracker(t *testing.T) (*Tracker, *federation.Metrics) {
	t.Helper()
	metrics := federation.NewMetrics(prometheus.NewRegistry())
	tr, err := NewTracker(memstore.New(), DefaultBackoffPolicy(), zaptest.NewLogger(t), metrics)
	require.NoError(t, err)
	return tr, metrics
}

func TestBackoffInterval(t *testing.T) {
	p := BackoffPolicy{BaseInterval: time.Minute, MaxInterval: 10 * time.Minute, FailureThreshold: 3}

	tests := []struct {
		exponent int
		want     time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{5, 10 * time.Minute},
		{60, 10 * time.Minute},
		{1 << 20, 10 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Interval(tt.exponent), "exponent %d", tt.exponent)
	}

	// The exponent stops growing at the ceiling.
	assert.Equal(t, 5, p.NextExponent(5))
	assert.Equal(t, 4, p.NextExponent(3))
	assert.Equal(t, 1, p.NextExponent(0))
}

func TestBackoffPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultBackoffPolicy().Validate())
	assert.Error(t, BackoffPolicy{BaseInterval: 0, MaxInterval: time.Hour, FailureThreshold: 1}.Validate())
	assert.Error(t, BackoffPolicy{BaseInterval: time.Hour, MaxInterval: time.Minute, FailureThreshold: 1}.Validate())
	assert.Error(t, BackoffPolicy{BaseInterval: time.Minute, MaxInterval: time.Hour, FailureThreshold: 0}.Validate())

	_, err := NewTracker(memstore.New(), BackoffPolicy{}, nil, nil)
	assert.Error(t, err)
}

func TestRecordFailureIsMonotonic(t *testing.T) {
	tr, metrics := newTracker(t)
	ctx := context.Background()

	var prevGap time.Duration
	at := t0
	for i := 1; i <= 20; i++ {
		srv, err := tr.RecordFailure(ctx, serverB, at)
		require.NoError(t, err)

		gap := srv.NextContact.Sub(at)
		assert.GreaterOrEqual(t, gap, prevGap, "failure %d", i)
		assert.LessOrEqual(t, gap, DefaultMaxInterval)
		assert.Equal(t, i, srv.ConsecutiveFailures)
		assert.False(t, srv.NextContact.Before(srv.LastFailure))

		prevGap = gap
		at = srv.NextContact
	}
	assert.Equal(t, DefaultMaxInterval, prevGap)
	assert.Equal(t, float64(20), testutil.ToFloat64(metrics.ServerFailures))
}

func TestFailedOnlyAfterThreshold(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	for i := 1; i < DefaultFailureThreshold; i++ {
		srv, err := tr.RecordFailure(ctx, serverB, t0)
		require.NoError(t, err)
		assert.False(t, srv.Failed, "a single transient failure must not mark the server dead")

		ok, err := tr.IsContactable(ctx, serverB, t0)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	srv, err := tr.RecordFailure(ctx, serverB, t0)
	require.NoError(t, err)
	assert.True(t, srv.Failed)
}

func TestHealthGating(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	var srv *types.Server
	var err error
	for i := 0; i < DefaultFailureThreshold; i++ {
		srv, err = tr.RecordFailure(ctx, serverB, t0)
		require.NoError(t, err)
	}
	require.True(t, srv.Failed)

	contactable := func(at time.Time) bool {
		ok, err := tr.IsContactable(ctx, serverB, at)
		require.NoError(t, err)
		return ok
	}

	assert.False(t, contactable(t0))
	assert.False(t, contactable(srv.NextContact.Add(-time.Nanosecond)))
	assert.True(t, contactable(srv.NextContact))
	assert.True(t, contactable(srv.NextContact.Add(time.Hour)))

	require.NoError(t, tr.RecordSuccess(ctx, serverB, t0.Add(time.Second)))
	assert.True(t, contactable(t0.Add(time.Second)))

	got, err := tr.Get(ctx, serverB)
	require.NoError(t, err)
	assert.False(t, got.Failed)
	assert.Equal(t, 0, got.BackoffExponent)
	assert.Equal(t, 0, got.ConsecutiveFailures)
	assert.True(t, got.LastContact.Equal(t0.Add(time.Second)))
}

func TestSuccessResetsBackoffFully(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := tr.RecordFailure(ctx, serverB, t0)
		require.NoError(t, err)
	}
	require.NoError(t, tr.RecordSuccess(ctx, serverB, t0))

	srv, err := tr.RecordFailure(ctx, serverB, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.BackoffExponent)
	assert.Equal(t, DefaultBaseInterval, srv.NextContact.Sub(t0))
	assert.False(t, srv.Failed)
}

func TestUnknownServerIsContactable(t *testing.T) {
	tr, _ := newTracker(t)

	ok, err := tr.IsContactable(context.Background(), "https://never-seen.example", t0)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = tr.Get(context.Background(), "https://never-seen.example")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentFailuresAreNotLost(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.RecordFailure(ctx, serverB, t0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	srv, err := tr.Get(ctx, serverB)
	require.NoError(t, err)
	assert.Equal(t, n, srv.ConsecutiveFailures)
	assert.True(t, srv.Failed)
}

func TestDeclareFormat(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.DeclareFormat(ctx, serverB, "json", "https://b.example/receive/public"))
	_, err := tr.RecordFailure(ctx, serverB, t0)
	require.NoError(t, err)
	require.NoError(t, tr.DeclareFormat(ctx, serverB, "xml", ""))

	srv, err := tr.Get(ctx, serverB)
	require.NoError(t, err)
	assert.Equal(t, "xml", srv.Format)
	assert.Equal(t, "https://b.example/receive/public", srv.PublicInbox)
	assert.Equal(t, 1, srv.ConsecutiveFailures)

	total, failed, err := tr.Unreachable(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 0, failed)
}
