// Package dispatch accepts inbound envelopes, verifies them and hands the
// payload to the application importer.
//
// Every request walks received → decoded → author_resolved →
// authorization_checked → imported, or stops at the first failing step.
// Nothing is retried locally; the sending node owns retries.
package dispatch

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"postbox/pkg/envelope"
	"postbox/pkg/federation"
	"postbox/pkg/keys"
	"postbox/pkg/types"
)

type Stage int

const (
	StageReceived Stage = iota
	StageDecoded
	StageAuthorResolved
	StageAuthorizationChecked
	StageImported
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "received"
	case StageDecoded:
		return "decoded"
	case StageAuthorResolved:
		return "author_resolved"
	case StageAuthorizationChecked:
		return "authorization_checked"
	case StageImported:
		return "imported"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Relationship between a local user and a remote contact.
type Relationship string

const (
	RelationshipSharing  Relationship = "sharing"
	RelationshipFriend   Relationship = "friend"
	RelationshipFollower Relationship = "follower"
	RelationshipPending  Relationship = "pending"
	RelationshipBlocked  Relationship = "blocked"
)

// RemoteIdentity is a resolved remote author.
type RemoteIdentity struct {
	Identity  string
	PublicKey *rsa.PublicKey
	// Inbox is the author's private receive endpoint, if known.
	Inbox string
}

// Contact is a remote identity as seen by one local user.
type Contact struct {
	ID           types.ContactID
	UserID       types.UserID
	Identity     string
	Relationship Relationship
}

// IdentityResolver looks up remote authors. Resolve returns (nil, nil) for
// an identity it does not know.
type IdentityResolver interface {
	Resolve(ctx context.Context, identity string) (*RemoteIdentity, error)
	// ResolveContact returns (nil, nil) when identity is not a contact of user.
	ResolveContact(ctx context.Context, user types.UserID, identity string) (*Contact, error)
}

// UserContext is the local recipient of a private dispatch.
type UserContext struct {
	ID         types.UserID
	GUID       string
	Identity   string
	PrivateKey *rsa.PrivateKey
	// Community pages accept posts from followers.
	Community bool
}

type ImportRequest struct {
	Author   string
	Payload  []byte
	DataType string
	Scope    types.Scope
	// User and Contact are set for private dispatches.
	User    *UserContext
	Contact *Contact
	// Encrypted reports whether the envelope carried an encrypted payload.
	Encrypted bool
}

// Importer turns a verified payload into stored content.
type Importer interface {
	Import(ctx context.Context, req ImportRequest) error
}

// ImporterFunc adapts a function to Importer.
type ImporterFunc func(ctx context.Context, req ImportRequest) error

func (f ImporterFunc) Import(ctx context.Context, req ImportRequest) error { return f(ctx, req) }

// Dispatcher is safe for concurrent use; requests share no state beyond
// the resolver and importer.
type Dispatcher struct {
	codec    *envelope.Codec
	resolver IdentityResolver
	importer Importer
	logger   *zap.Logger
	metrics  *federation.Metrics
}

func NewDispatcher(resolver IdentityResolver, importer Importer, logger *zap.Logger, metrics *federation.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		codec:    envelope.NewCodec(),
		resolver: resolver,
		importer: importer,
		logger:   logger,
		metrics:  metrics,
	}
}

// DispatchPublic handles a body posted to the public inbox. Only public
// envelopes are accepted.
func (d *Dispatcher) DispatchPublic(ctx context.Context, contentType string, body []byte) error {
	return d.dispatch(ctx, nil, contentType, body)
}

// DispatchPrivate handles a body posted to user's inbox.
func (d *Dispatcher) DispatchPrivate(ctx context.Context, user UserContext, contentType string, body []byte) error {
	return d.dispatch(ctx, &user, contentType, body)
}

// request carries the progress of one dispatch for the audit log entry.
type request struct {
	scope  types.Scope
	user   *UserContext
	stage  Stage
	author string
	format string
}

func (d *Dispatcher) dispatch(ctx context.Context, user *UserContext, contentType string, body []byte) error {
	req := &request{scope: types.ScopePublic, user: user, stage: StageReceived}
	if user != nil {
		req.scope = types.ScopePrivate
	}

	err := d.run(ctx, req, contentType, body)
	d.logOutcome(req, err)
	return err
}

func (d *Dispatcher) run(ctx context.Context, req *request, contentType string, body []byte) error {
	format, err := envelope.Detect(contentType, body)
	if err != nil {
		return err
	}
	req.format = format.Name()

	env, err := format.Unmarshal(body)
	if err != nil {
		return err
	}
	req.author = env.Author

	// The identity found while resolving the signing key is reused for the
	// author_resolved step.
	var identity *RemoteIdentity
	resolver := envelope.KeyResolverFunc(func(ctx context.Context, author string) (*rsa.PublicKey, error) {
		id, err := d.resolver.Resolve(ctx, author)
		if err != nil || id == nil {
			return nil, err
		}
		identity = id
		return id.PublicKey, nil
	})

	var ownKey *rsa.PrivateKey
	if req.user != nil {
		ownKey = req.user.PrivateKey
	}

	decoded, err := d.codec.Decode(ctx, env, resolver, ownKey)
	if errors.Is(err, envelope.ErrUnknownKey) {
		return &DispatchError{Kind: ErrUnknownAuthor, Author: env.Author, Stage: req.stage, Err: errors.Unwrap(err)}
	}
	if err != nil {
		return err
	}
	req.stage = StageDecoded

	if identity == nil {
		return &DispatchError{Kind: ErrUnknownAuthor, Author: decoded.Author, Stage: req.stage}
	}
	req.stage = StageAuthorResolved

	var contact *Contact
	if req.user != nil {
		contact, err = d.resolver.ResolveContact(ctx, req.user.ID, decoded.Author)
		if err != nil {
			return fmt.Errorf("resolve contact %s for user %d: %w", decoded.Author, req.user.ID, err)
		}
		if !allowed(req.user, contact) {
			return &DispatchError{Kind: ErrContactNotAuthorized, Author: decoded.Author, Stage: req.stage}
		}
	}
	req.stage = StageAuthorizationChecked

	err = d.importer.Import(ctx, ImportRequest{
		Author:    decoded.Author,
		Payload:   decoded.Payload,
		DataType:  decoded.DataType,
		Scope:     req.scope,
		User:      req.user,
		Contact:   contact,
		Encrypted: decoded.Private,
	})
	if err != nil {
		return &ImportError{Author: decoded.Author, Err: err}
	}
	req.stage = StageImported
	return nil
}

// allowed decides whether contact may post to user. Authors that are not
// contacts yet pass; the importer decides what an unsolicited message may do
// (a contact request, for instance).
func allowed(user *UserContext, contact *Contact) bool {
	if contact == nil {
		return true
	}
	switch contact.Relationship {
	case RelationshipSharing, RelationshipFriend:
		return true
	case RelationshipFollower:
		return user.Community
	}
	return false
}

// Outcome maps a dispatch result onto a short label for logs and metrics.
func Outcome(err error) string {
	var ce *keys.CryptoError
	switch {
	case err == nil:
		return "imported"
	case errors.Is(err, ErrUnknownAuthor):
		return "unknown_author"
	case errors.Is(err, ErrContactNotAuthorized):
		return "contact_not_authorized"
	case errors.Is(err, envelope.ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, envelope.ErrMissingRecipientKey):
		return "missing_recipient_key"
	case errors.Is(err, envelope.ErrMalformedEnvelope):
		return "malformed_envelope"
	case errors.As(err, &ce):
		return "crypto_error"
	}
	var ie *ImportError
	if errors.As(err, &ie) {
		return "import_failed"
	}
	return "error"
}

// logOutcome writes the single audit entry for a request. Payload bytes are
// never logged.
func (d *Dispatcher) logOutcome(req *request, err error) {
	outcome := Outcome(err)
	d.metrics.ObserveDispatch(req.scope.String(), outcome)

	fields := []zap.Field{
		zap.String("outcome", outcome),
		zap.String("stage", req.stage.String()),
		zap.String("author", req.author),
		zap.String("scope", req.scope.String()),
	}
	if req.format != "" {
		fields = append(fields, zap.String("format", req.format))
	}
	if req.user != nil {
		fields = append(fields, zap.Int64("user_id", int64(req.user.ID)))
	}

	if err == nil {
		d.logger.Info("Envelope imported", fields...)
		return
	}
	d.logger.Warn("Envelope rejected", append(fields, zap.Error(err))...)
}
