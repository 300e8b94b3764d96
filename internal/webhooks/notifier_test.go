package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shiftroute/internal/events"
)

func newTestNotifier(t *testing.T, url, secret string, maxAttempts int) (*Notifier, *time.Time) {
	t.Helper()
	log, _ := test.NewNullLogger()
	n := NewNotifier(Options{URL: url, Secret: secret, MaxAttempts: maxAttempts, Logger: log})
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }
	return n, &now
}

func sampleEvent() events.Event {
	return events.Event{ID: "evt-1", Type: events.RouteCompleted, RouteID: "r1", DriverID: "d1", OrderRef: "A", Version: 2,
		At: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func TestProcessOnceSignsAndDelivers(t *testing.T) {
	var (
		mu      sync.Mutex
		gotSig  string
		gotType string
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get("X-Signature")
		gotType = r.Header.Get("X-Event-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n, _ := newTestNotifier(t, srv.URL, "secret", 3)
	n.Publish(sampleEvent())
	n.worker.processOnce(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, events.RouteCompleted, gotType)
	assert.True(t, VerifyHMAC("secret", gotBody, gotSig), "signature must verify against the body")

	var payload map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "evt-1", payload["id"])
	assert.Equal(t, "r1", payload["routeId"])
	assert.Equal(t, "2026-01-01T09:00:00Z", payload["ts"])
	assert.Zero(t, n.Pending())
}

func TestProcessOnceRetriesWithBackoff(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		assert.Equal(t, "2", r.Header.Get("X-Delivery-Attempt"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, now := newTestNotifier(t, srv.URL, "", 3)
	n.Publish(sampleEvent())

	n.worker.processOnce(context.Background())
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	require.Equal(t, 1, n.Pending())

	// not yet due
	n.worker.processOnce(context.Background())
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	*now = now.Add(nextBackoff(1))
	n.worker.processOnce(context.Background())
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.Zero(t, n.Pending())
}

func TestProcessOnceGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n, _ := newTestNotifier(t, srv.URL, "", 1)
	n.Publish(sampleEvent())
	n.worker.processOnce(context.Background())

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Zero(t, n.Pending())
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	n, _ := newTestNotifier(t, "http://127.0.0.1:1", "", 3)
	for i := 0; i < maxQueued+5; i++ {
		evt := sampleEvent()
		evt.Version = i
		n.Publish(evt)
	}
	assert.Equal(t, maxQueued, n.Pending())
}

func TestRunStopsOnCancel(t *testing.T) {
	n, _ := newTestNotifier(t, "http://127.0.0.1:1", "", 3)
	n.worker.Tick = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, time.Second, nextBackoff(0))
	assert.Equal(t, 8*time.Second, nextBackoff(3))
	assert.Equal(t, time.Duration(1024)*time.Second, nextBackoff(50))
}

func TestVerifyHMAC(t *testing.T) {
	body := []byte(`{"ok":true}`)
	sig := SignHMAC("k", body)
	assert.True(t, VerifyHMAC("k", body, sig))
	assert.False(t, VerifyHMAC("other", body, sig))
	assert.False(t, VerifyHMAC("k", body, "zz"))
}
