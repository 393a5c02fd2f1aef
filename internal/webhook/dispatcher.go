// Package webhook delivers outcome notifications to principal-configured
// endpoints. Delivery is at-least-once with a single bounded retry;
// receivers dedupe. Nothing here is observable by the original request.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/snapgate/snapgate/pkg/models"
)

// Signature and timestamp headers receivers verify against. Receivers are
// expected to reject stale timestamps; enforcing that is their side of the
// contract.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
)

type delivery struct {
	config  models.WebhookConfig
	payload []byte
	event   string
}

// Dispatcher is a fixed worker pool draining a bounded queue of
// notifications. There is no persistence: a notification that fails its
// first attempt and its one retry is logged and dropped.
type Dispatcher struct {
	client     *http.Client
	jobs       chan delivery
	wg         sync.WaitGroup
	retryDelay time.Duration
	sleep      func(time.Duration)
	now        func() time.Time
}

// NewDispatcher starts workers goroutines delivering with the given HTTP
// timeout and fixed delay before the single retry.
func NewDispatcher(workers, queueSize int, timeout, retryDelay time.Duration) *Dispatcher {
	d := &Dispatcher{
		client:     &http.Client{Timeout: timeout},
		jobs:       make(chan delivery, queueSize),
		retryDelay: retryDelay,
		sleep:      time.Sleep,
		now:        time.Now,
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

// Dispatch serializes the event once and enqueues it for asynchronous
// delivery. It never blocks the caller: with a full queue the notification
// is dropped with a log line. No-op when config has no URL.
func (d *Dispatcher) Dispatch(config models.WebhookConfig, event models.WebhookEvent) {
	if !config.Configured() {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("webhook payload marshal failed", "event", event.Event, "error", err)
		return
	}

	select {
	case d.jobs <- delivery{config: config, payload: payload, event: event.Event}:
	default:
		slog.Warn("webhook queue full, dropping notification", "event", event.Event, "url", config.URL)
	}
}

// Close stops accepting notifications and blocks until in-flight
// deliveries (including pending retries) finish.
func (d *Dispatcher) Close() {
	close(d.jobs)
	d.wg.Wait()
}

// Sign computes the hex HMAC-SHA256 of payload under secret, in the format
// carried by the X-Signature header. Receivers recompute this over the
// exact body bytes they received.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.jobs {
		if err := d.deliver(job); err == nil {
			continue
		}
		// Exactly one retry, only after the first failure is known.
		d.sleep(d.retryDelay)
		if err := d.deliver(job); err != nil {
			slog.Error("webhook delivery failed after retry, dropping",
				"event", job.event, "url", job.config.URL, "error", err)
		}
	}
}

func (d *Dispatcher) deliver(job delivery) error {
	method := job.config.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequest(method, job.config.URL, bytes.NewReader(job.payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(d.now().Unix(), 10))
	for k, v := range job.config.Headers {
		req.Header.Set(k, v)
	}
	if job.config.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(job.config.Secret, job.payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}
