// Package health tracks the reachability of remote servers and decides
// whether a delivery to a server may be attempted now.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"postbox/pkg/federation"
	"postbox/pkg/store"
	"postbox/pkg/types"
	"postbox/pkg/utils"
)

// Tracker owns the server health records. All read-modify-write cycles on a
// record run under that server's lock, so concurrent failure reports from
// several workers are never lost.
type Tracker struct {
	store   store.ServerStore
	policy  BackoffPolicy
	locks   *utils.KeyedMutex[types.ServerID]
	logger  *zap.Logger
	metrics *federation.Metrics
}

func NewTracker(st store.ServerStore, policy BackoffPolicy, logger *zap.Logger, metrics *federation.Metrics) (*Tracker, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid backoff policy: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:   st,
		policy:  policy,
		locks:   utils.NewKeyedMutex[types.ServerID](),
		logger:  logger,
		metrics: metrics,
	}, nil
}

func (t *Tracker) Policy() BackoffPolicy { return t.policy }

// load returns the record for id, or a fresh one when none is stored.
// Callers hold the server lock.
func (t *Tracker) load(ctx context.Context, id types.ServerID) (*types.Server, error) {
	srv, err := t.store.GetServer(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return &types.Server{ID: id, URL: string(id)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load server %s: %w", id, err)
	}
	return srv, nil
}

func (t *Tracker) update(ctx context.Context, id types.ServerID, fn func(*types.Server)) (*types.Server, error) {
	unlock := t.locks.Lock(id)
	defer unlock()

	srv, err := t.load(ctx, id)
	if err != nil {
		return nil, err
	}
	fn(srv)
	if err := t.store.PutServer(ctx, srv); err != nil {
		return nil, fmt.Errorf("save server %s: %w", id, err)
	}
	return srv, nil
}

// RecordSuccess marks a successful contact at `at`. It clears the failed
// flag and resets the backoff state.
func (t *Tracker) RecordSuccess(ctx context.Context, id types.ServerID, at time.Time) error {
	var wasFailed bool
	_, err := t.update(ctx, id, func(s *types.Server) {
		wasFailed = s.Failed
		s.LastContact = at
		s.Failed = false
		s.ConsecutiveFailures = 0
		s.BackoffExponent = 0
		s.NextContact = time.Time{}
	})
	if err != nil {
		return err
	}

	if wasFailed {
		t.logger.Info("Server reachable again", zap.String("server", string(id)))
	}
	return nil
}

// RecordFailure registers a failed contact at `at` and returns the updated
// record. The next contact time is pushed out by the backoff interval; the
// server is marked failed once the consecutive failure threshold is reached.
func (t *Tracker) RecordFailure(ctx context.Context, id types.ServerID, at time.Time) (*types.Server, error) {
	var becameFailed bool
	srv, err := t.update(ctx, id, func(s *types.Server) {
		s.LastFailure = at
		s.ConsecutiveFailures++
		s.BackoffExponent = t.policy.NextExponent(s.BackoffExponent)
		s.NextContact = at.Add(t.policy.Interval(s.BackoffExponent))

		if !s.Failed && s.ConsecutiveFailures >= t.policy.FailureThreshold {
			s.Failed = true
			becameFailed = true
		}
	})
	if err != nil {
		return nil, err
	}

	t.metrics.ObserveServerFailure()
	if becameFailed {
		t.logger.Warn("Server marked unreachable",
			zap.String("server", string(id)),
			zap.Int("consecutive_failures", srv.ConsecutiveFailures),
			zap.Time("next_contact", srv.NextContact))
	} else {
		t.logger.Debug("Server failure recorded",
			zap.String("server", string(id)),
			zap.Int("consecutive_failures", srv.ConsecutiveFailures),
			zap.Bool("failed", srv.Failed))
	}
	return srv, nil
}

// IsContactable reports whether a delivery to id may be attempted at now.
// Unknown servers are contactable.
func (t *Tracker) IsContactable(ctx context.Context, id types.ServerID, now time.Time) (bool, error) {
	srv, err := t.store.GetServer(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("load server %s: %w", id, err)
	}
	return srv.Contactable(now), nil
}

// Get returns the stored record or store.ErrNotFound.
func (t *Tracker) Get(ctx context.Context, id types.ServerID) (*types.Server, error) {
	return t.store.GetServer(ctx, id)
}

// DeclareFormat records the envelope wire format and public inbox a server
// accepts. An empty inbox leaves the stored one untouched.
func (t *Tracker) DeclareFormat(ctx context.Context, id types.ServerID, format, publicInbox string) error {
	_, err := t.update(ctx, id, func(s *types.Server) {
		s.Format = format
		if publicInbox != "" {
			s.PublicInbox = publicInbox
		}
	})
	return err
}

// List returns every known server record.
func (t *Tracker) List(ctx context.Context) ([]*types.Server, error) {
	return t.store.ListServers(ctx)
}

// Unreachable counts servers currently marked failed.
func (t *Tracker) Unreachable(ctx context.Context) (total, failed int, err error) {
	servers, err := t.store.ListServers(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, s := range servers {
		if s.Failed {
			failed++
		}
	}
	return len(servers), failed, nil
}
