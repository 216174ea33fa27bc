package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghantakiran/ShieldOps-sub002/internal/metrics"
)

type capturingSender struct {
	mu   sync.Mutex
	got  []Notification
	err  error
	done chan struct{}
}

func newCapturingSender(err error) *capturingSender {
	return &capturingSender{err: err, done: make(chan struct{}, 16)}
}

func (s *capturingSender) Name() string { return "capture" }

func (s *capturingSender) Send(_ context.Context, n Notification) error {
	s.mu.Lock()
	s.got = append(s.got, n)
	s.mu.Unlock()
	s.done <- struct{}{}
	return s.err
}

func (s *capturingSender) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("sender was never invoked")
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDispatcherFansOut(t *testing.T) {
	a := newCapturingSender(nil)
	b := newCapturingSender(nil)
	m := metrics.New(prometheus.NewRegistry())
	d := NewDispatcher([]Sender{a, b}, time.Second, testLogger(), m)

	d.Notify(Notification{Severity: SeverityInfo, Title: "hello", RecordID: "r1"})

	a.wait(t)
	b.wait(t)
	a.mu.Lock()
	defer a.mu.Unlock()
	require.Len(t, a.got, 1)
	assert.Equal(t, "hello", a.got[0].Title)
	assert.False(t, a.got[0].SentAt.IsZero())
}

func TestDispatcherSwallowsSenderFailure(t *testing.T) {
	failing := newCapturingSender(errors.New("channel down"))
	ok := newCapturingSender(nil)
	m := metrics.New(prometheus.NewRegistry())
	d := NewDispatcher([]Sender{failing, ok}, time.Second, testLogger(), m)

	// Must not panic or block; the healthy channel still delivers.
	d.Notify(Notification{Severity: SeverityCritical, Title: "rollback failed"})
	failing.wait(t)
	ok.wait(t)
}

func TestSlackSenderPosts(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSlackSender(srv.URL)
	err := s.Send(context.Background(), Notification{
		Severity:  SeverityWarning,
		Title:     "approval needed",
		Body:      "scale_deployment on deploy/web",
		Recipient: "oncall-primary",
	})
	require.NoError(t, err)
	assert.Contains(t, body["text"], "approval needed")
	assert.Contains(t, body["text"], "@oncall-primary")
}

func TestSlackSenderSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewSlackSender(srv.URL)
	err := s.Send(context.Background(), Notification{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestPagerDutySenderPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewPagerDutySender("rk-123")
	s.endpoint = srv.URL
	err := s.Send(context.Background(), Notification{
		Severity: SeverityCritical,
		Title:    "rollback failed on db-1",
		RecordID: "rec-9",
	})
	require.NoError(t, err)
	assert.Equal(t, "rk-123", got["routing_key"])
	assert.Equal(t, "trigger", got["event_action"])
	payload := got["payload"].(map[string]any)
	assert.Equal(t, "critical", payload["severity"])
}

type fakePublisher struct {
	subj string
	data []byte
	err  error
}

func (f *fakePublisher) Publish(subj string, data []byte) error {
	f.subj = subj
	f.data = data
	return f.err
}

func TestNATSSenderPublishes(t *testing.T) {
	pub := &fakePublisher{}
	s := NewNATSSender(pub, "")
	require.NoError(t, s.Send(context.Background(), Notification{Title: "t", RecordID: "r"}))
	assert.Equal(t, "ops.notifications", pub.subj)

	var n Notification
	require.NoError(t, json.Unmarshal(pub.data, &n))
	assert.Equal(t, "t", n.Title)
}
