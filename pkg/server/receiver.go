// Package server exposes the inbound federation endpoints over HTTP.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"postbox/pkg/dispatch"
	"postbox/pkg/store"
)

const (
	PublicPath = "/receive/public"
	UserPath   = "/receive/users/{guid}"
)

// Dispatcher is satisfied by *dispatch.Dispatcher.
type Dispatcher interface {
	DispatchPublic(ctx context.Context, contentType string, body []byte) error
	DispatchPrivate(ctx context.Context, user dispatch.UserContext, contentType string, body []byte) error
}

// UserDirectory maps the guid in a private inbox URL to the local user.
// Unknown guids return an error wrapping store.ErrNotFound.
type UserDirectory interface {
	User(ctx context.Context, guid string) (*dispatch.UserContext, error)
}

// Receiver accepts envelopes posted by remote nodes.
type Receiver struct {
	dispatcher Dispatcher
	users      UserDirectory
	maxBody    int64
	logger     *zap.Logger
}

func NewReceiver(dispatcher Dispatcher, users UserDirectory, maxBody int64, logger *zap.Logger) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{
		dispatcher: dispatcher,
		users:      users,
		maxBody:    maxBody,
		logger:     logger,
	}
}

func (r *Receiver) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST "+PublicPath, r.handlePublic)
	mux.HandleFunc("POST "+UserPath, r.handleUser)
}

func (r *Receiver) Handler() http.Handler {
	mux := http.NewServeMux()
	r.RegisterHandlers(mux)
	return mux
}

func (r *Receiver) handlePublic(w http.ResponseWriter, req *http.Request) {
	body, ok := r.readBody(w, req)
	if !ok {
		return
	}
	err := r.dispatcher.DispatchPublic(req.Context(), req.Header.Get("Content-Type"), body)
	w.WriteHeader(StatusFor(err))
}

func (r *Receiver) handleUser(w http.ResponseWriter, req *http.Request) {
	guid := req.PathValue("guid")
	user, err := r.users.User(req.Context(), guid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown user", http.StatusNotFound)
			return
		}
		r.logger.Error("Failed to look up inbox owner", zap.String("guid", guid), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	body, ok := r.readBody(w, req)
	if !ok {
		return
	}
	err = r.dispatcher.DispatchPrivate(req.Context(), *user, req.Header.Get("Content-Type"), body)
	w.WriteHeader(StatusFor(err))
}

func (r *Receiver) readBody(w http.ResponseWriter, req *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			r.logger.Warn("Envelope rejected",
				zap.String("outcome", "body_too_large"),
				zap.String("path", req.URL.Path),
				zap.Int64("limit", r.maxBody))
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// StatusFor maps a dispatch result to the response code sent to the
// remote node. Policy rejections and importer failures are acknowledged
// so the sender does not retry them.
func StatusFor(err error) int {
	switch dispatch.Outcome(err) {
	case "imported", "contact_not_authorized", "import_failed":
		return http.StatusAccepted
	case "unknown_author":
		return http.StatusNotFound
	case "signature_invalid", "missing_recipient_key", "malformed_envelope", "crypto_error":
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Start serves the receiver on addr in the background, over HTTPS when
// tlsConfig is set.
func Start(addr string, receiver *Receiver, tlsConfig *tls.Config, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           receiver.Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting receiver", zap.String("addr", addr), zap.Bool("tls", tlsConfig != nil))
		var err error
		if tlsConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("Receiver failed", zap.Error(err))
		}
	}()

	return srv
}
