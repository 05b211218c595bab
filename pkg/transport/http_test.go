package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSendSuccess(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewHTTP(srv.Client(), "postbox-test", zaptest.NewLogger(t))
	code, err := tr.Send(context.Background(), srv.URL+"/receive/public", []byte("<me:env/>"), map[string]string{
		"Content-Type": "application/magic-envelope+xml",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, []byte("<me:env/>"), gotBody)
	assert.Equal(t, "application/magic-envelope+xml", gotHeaders.Get("Content-Type"))
	assert.Equal(t, "postbox-test", gotHeaders.Get("User-Agent"))
}

func TestSendNonSuccessStatus(t *testing.T) {
	tests := []struct {
		status        int
		serverFailure bool
		class         string
	}{
		{http.StatusServiceUnavailable, true, "server_failure"},
		{http.StatusBadGateway, true, "server_failure"},
		{http.StatusTooManyRequests, true, "server_failure"},
		{http.StatusNotFound, false, "rejected"},
		{http.StatusUnprocessableEntity, false, "rejected"},
		{http.StatusMovedPermanently, false, "rejected"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			client := srv.Client()
			client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

			code, err := NewHTTP(client, "", nil).Send(context.Background(), srv.URL, []byte("x"), nil)
			assert.Equal(t, tt.status, code)

			var te *TransportError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, tt.status, te.StatusCode)
			assert.Equal(t, tt.serverFailure, te.ServerFailure())
			assert.Equal(t, tt.class, te.Class())
			assert.False(t, te.Timeout)
		})
	}
}

func TestSendTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	code, err := NewHTTP(srv.Client(), "", zaptest.NewLogger(t)).Send(ctx, srv.URL, []byte("x"), nil)
	assert.Equal(t, 0, code)

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.True(t, te.Timeout)
	assert.True(t, te.ServerFailure())
}

func TestSendConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	code, err := NewHTTP(nil, "", nil).Send(context.Background(), url, []byte("x"), nil)
	assert.Equal(t, 0, code)

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "server_failure", te.Class())
	assert.Contains(t, te.Error(), url)
}
