// Package transport posts envelope bodies to remote inboxes over HTTP.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "postbox"

	// maxResponseDrain bounds how much of a response body is read before
	// the connection is returned to the pool.
	maxResponseDrain = 64 << 10
)

// TransportError describes a failed delivery attempt. StatusCode is zero
// when no response was received.
type TransportError struct {
	URL        string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("post %s: timed out", e.URL)
	case e.StatusCode != 0:
		return fmt.Sprintf("post %s: status %d", e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("post %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("post %s: failed", e.URL)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerFailure reports whether the failure points at the remote server
// being unavailable (no response, timeout, 5xx, 429) rather than the server
// rejecting the request.
func (e *TransportError) ServerFailure() bool {
	if e.StatusCode == 0 || e.Timeout {
		return true
	}
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Class returns "server_failure" or "rejected" for logs and metrics.
func (e *TransportError) Class() string {
	if e.ServerFailure() {
		return "server_failure"
	}
	return "rejected"
}

// HTTP is the production transport.
type HTTP struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
}

// NewHTTP builds a transport. A nil client gets one with DefaultTimeout.
func NewHTTP(client *http.Client, userAgent string, logger *zap.Logger) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{client: client, userAgent: userAgent, logger: logger}
}

// Send POSTs body to url. Any non-2xx status is returned together with a
// *TransportError; the status code is zero if no response arrived.
func (h *HTTP) Send(ctx context.Context, url string, body []byte, headers map[string]string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, &TransportError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", h.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		te := &TransportError{URL: url, Err: err, Timeout: isTimeout(ctx, err)}
		h.logger.Debug("Delivery request failed",
			zap.String("url", url),
			zap.Bool("timeout", te.Timeout),
			zap.Duration("took", time.Since(start)),
			zap.Error(err))
		return 0, te
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))

	h.logger.Debug("Delivery response",
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &TransportError{URL: url, StatusCode: resp.StatusCode}
	}
	return resp.StatusCode, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
