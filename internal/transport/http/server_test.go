package httptransport

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/trainingsync/internal/logging"
)

type blockingServer struct {
	started   chan struct{}
	stop      chan struct{}
	listenErr error
	shutdown  bool
}

func newBlockingServer() *blockingServer {
	return &blockingServer{started: make(chan struct{}), stop: make(chan struct{})}
}

func (b *blockingServer) ListenAndServe() error {
	close(b.started)
	if b.listenErr != nil {
		return b.listenErr
	}
	<-b.stop
	return http.ErrServerClosed
}

func (b *blockingServer) Shutdown(context.Context) error {
	b.shutdown = true
	close(b.stop)
	return nil
}

func TestServiceShutsDownOnCancel(t *testing.T) {
	srv := newBlockingServer()
	svc := NewService("api", srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	<-srv.started
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("service did not stop")
	}
	assert.True(t, srv.shutdown)
	assert.Equal(t, "api", svc.String())
}

func TestServiceReportsListenFailure(t *testing.T) {
	srv := newBlockingServer()
	srv.listenErr = errors.New("address in use")

	err := NewService("metrics", srv, 0).Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")
}

func TestRequestIDAndAccessLog(t *testing.T) {
	var buf bytes.Buffer
	prev := logging.Logger()
	logging.SetLogger(zerolog.New(&buf))
	t.Cleanup(func() { logging.SetLogger(prev) })

	var seen string
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.CorrelationID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}), RequestID, AccessLog)

	req := httptest.NewRequest(http.MethodGet, "/v1/athletes/7/sync", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", seen)
	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
	assert.Contains(t, buf.String(), `"status":418`)
	assert.Contains(t, buf.String(), `"correlation_id":"req-123"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader), "generated when absent")
}

func TestCORSAnswersPreflight(t *testing.T) {
	called := false
	h := CORS("http://localhost:5173")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/v1/athletes/7/sync", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, called)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}
