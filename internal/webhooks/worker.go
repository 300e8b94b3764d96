package webhooks

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"shiftroute/internal/metrics"
)

type Worker struct {
	n    *Notifier
	HTTP *http.Client
	Tick time.Duration
}

func newWorker(n *Notifier) *Worker {
	return &Worker{n: n, HTTP: &http.Client{Timeout: 5 * time.Second}, Tick: time.Second}
}

func (w *Worker) run(ctx context.Context) {
	ticker := time.NewTicker(w.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processOnce(ctx)
		}
	}
}

func (w *Worker) processOnce(ctx context.Context) {
	items := w.n.due(50)
	for _, it := range items {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		code, err := w.send(cctx, it)
		cancel()
		success := err == nil && code >= 200 && code < 300
		status := "success"
		if !success {
			status = "error"
		}
		log := w.n.log.WithFields(logrus.Fields{"event_id": it.ID, "event_type": it.EventType, "attempt": it.Attempts + 1, "code": code})
		if success {
			metrics.WebhookDeliveries.WithLabelValues(it.EventType, status).Inc()
			log.Debug("webhook delivered")
			continue
		}
		it.Attempts++
		if it.Attempts >= w.n.maxAttempts {
			metrics.WebhookDeliveries.WithLabelValues(it.EventType, "failed").Inc()
			log.WithError(err).Warn("webhook delivery abandoned")
			continue
		}
		metrics.WebhookDeliveries.WithLabelValues(it.EventType, status).Inc()
		it.NextAt = w.n.now().Add(nextBackoff(it.Attempts))
		log.WithError(err).Debug("webhook delivery failed, will retry")
		w.n.requeue(it)
	}
}

func (w *Worker) send(ctx context.Context, it *delivery) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.n.url, bytes.NewReader(it.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", it.EventType)
	req.Header.Set("X-Delivery-Attempt", strconv.Itoa(it.Attempts+1))
	if w.n.secret != "" {
		req.Header.Set("X-Signature", SignHMAC(w.n.secret, it.Payload))
	}
	start := time.Now()
	resp, err := w.HTTP.Do(req)
	code := 0
	if resp != nil {
		code = resp.StatusCode
		_ = resp.Body.Close()
	}
	status := "error"
	if err == nil && code >= 200 && code < 300 {
		status = "success"
	}
	metrics.WebhookLatency.WithLabelValues(it.EventType, status).Observe(float64(time.Since(start).Milliseconds()))
	return code, err
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
