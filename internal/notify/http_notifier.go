package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbc-platform/payment-engine/internal/circuitbreaker"
	"github.com/sbc-platform/payment-engine/internal/config"
	"github.com/sbc-platform/payment-engine/internal/httputil"
)

const (
	queueCapacity   = 1024
	deliveryRetries = 3
	deliveryBackoff = 2 * time.Second
)

// HTTPNotifier posts events to the notification service from a background
// worker. Undeliverable events append to a dead-letter file as JSON lines.
type HTTPNotifier struct {
	url      string
	secret   string
	client   *http.Client
	breakers *circuitbreaker.Manager
	logger   zerolog.Logger
	dlqPath  string

	queue chan Event
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewHTTPNotifier creates and starts the notifier worker.
func NewHTTPNotifier(cfg config.ServicesConfig, secret, dlqPath string, breakers *circuitbreaker.Manager, logger zerolog.Logger) *HTTPNotifier {
	timeout := cfg.CallTimeout.Duration
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	n := &HTTPNotifier{
		url:      cfg.NotificationServiceURL,
		secret:   secret,
		client:   httputil.NewClient(timeout),
		breakers: breakers,
		logger:   logger.With().Str("component", "notify").Logger(),
		dlqPath:  dlqPath,
		queue:    make(chan Event, queueCapacity),
	}
	n.wg.Add(1)
	go n.worker()
	return n
}

// Notify queues the event. A full queue drops the event with a log line
// rather than blocking a payment flow.
func (n *HTTPNotifier) Notify(_ context.Context, ev Event) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		n.deadLetter(ev, fmt.Errorf("notifier closed"))
		return
	}

	select {
	case n.queue <- ev:
	default:
		n.logger.Error().
			Str("kind", string(ev.Kind)).
			Str("userId", ev.UserID).
			Msg("notify.queue_full_dropping")
		n.deadLetter(ev, fmt.Errorf("queue full"))
	}
}

// Close stops accepting events, drains the queue and waits for the worker.
func (n *HTTPNotifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	close(n.queue)
	n.wg.Wait()
	return nil
}

func (n *HTTPNotifier) worker() {
	defer n.wg.Done()
	for ev := range n.queue {
		if err := n.deliver(ev); err != nil {
			n.deadLetter(ev, err)
		}
	}
}

func (n *HTTPNotifier) deliver(ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var lastErr error
	wait := deliveryBackoff
	for attempt := 1; attempt <= deliveryRetries; attempt++ {
		lastErr = n.post(body)
		if lastErr == nil {
			return nil
		}
		n.logger.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Str("kind", string(ev.Kind)).
			Msg("notify.delivery_failed")
		if attempt < deliveryRetries {
			time.Sleep(wait)
			wait *= 2
		}
	}
	return lastErr
}

func (n *HTTPNotifier) post(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url+"/internal/notifications", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Secret", n.secret)

	_, err = n.breakers.Execute(circuitbreaker.ServiceNotification, func() (interface{}, error) {
		resp, err := n.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("notification service returned %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}

// deadLetter appends the event to the DLQ file, one JSON object per line.
func (n *HTTPNotifier) deadLetter(ev Event, cause error) {
	if n.dlqPath == "" {
		return
	}
	entry := struct {
		Event    Event     `json:"event"`
		Error    string    `json:"error"`
		FailedAt time.Time `json:"failedAt"`
	}{Event: ev, Error: cause.Error(), FailedAt: time.Now().UTC()}

	line, err := json.Marshal(entry)
	if err != nil {
		n.logger.Error().Err(err).Msg("notify.dlq_marshal_failed")
		return
	}

	f, err := os.OpenFile(n.dlqPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		n.logger.Error().Err(err).Str("path", n.dlqPath).Msg("notify.dlq_open_failed")
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		n.logger.Error().Err(err).Msg("notify.dlq_write_failed")
	}
}
