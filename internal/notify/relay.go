package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"civicflow/internal/config"
	"civicflow/internal/telemetry"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultPollWait       = 2 * time.Second
	defaultBackoffBase    = time.Second
	defaultBackoffMax     = 30 * time.Second
)

// Relay drains the pending queue and posts each event to the configured
// webhooks. Delivery is at-least-once: a failed event is retried against
// every matching webhook.
type Relay struct {
	Queue       *RedisQueue
	Webhooks    []config.WebhookConfig
	Client      *http.Client
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	PollWait    time.Duration
	Log         zerolog.Logger
}

func NewRelay(q *RedisQueue, cfg config.NotificationConfig, log zerolog.Logger) *Relay {
	return &Relay{
		Queue:       q,
		Webhooks:    cfg.Webhooks,
		Client:      &http.Client{Timeout: defaultWebhookTimeout},
		MaxAttempts: cfg.MaxAttempts,
		Log:         log,
	}
}

// Run processes events until ctx is cancelled. Events a previous run left
// unacknowledged are delivered again first.
func (r *Relay) Run(ctx context.Context) error {
	if n, err := r.Queue.Recover(ctx); err != nil {
		return fmt.Errorf("recover in-flight notifications: %w", err)
	} else if n > 0 {
		r.Log.Info().Int("events", n).Msg("relay: recovered unacknowledged notifications")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		handled, failed, err := r.ProcessOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.Log.Warn().Err(err).Msg("relay: queue read failed")
			if err := sleepCtx(ctx, r.PollWait); err != nil {
				return err
			}
			continue
		}
		if handled && failed != nil {
			wait := backoffWithJitter(r.backoffBase(), r.backoffMax(), failed.Attempts)
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
		}
	}
}

// ProcessOne delivers a single pending event. It reports whether an event was
// taken and, when delivery failed and the event went back on the queue, the
// requeued event.
func (r *Relay) ProcessOne(ctx context.Context) (bool, *Event, error) {
	evt, err := r.Queue.Dequeue(ctx, r.pollWait())
	if err != nil || evt == nil {
		return false, nil, err
	}
	deliverErr := r.deliver(ctx, *evt)
	if deliverErr == nil {
		telemetry.RelayDeliveries.WithLabelValues("delivered").Inc()
		return true, nil, r.Queue.Ack(ctx, *evt)
	}
	evt.Attempts++
	log := r.Log.With().Str("event_id", evt.ID).Str("kind", evt.Kind).Int("attempts", evt.Attempts).Logger()
	if evt.Attempts >= r.maxAttempts() {
		telemetry.RelayDeliveries.WithLabelValues("dead").Inc()
		log.Error().Err(deliverErr).Msg("relay: moving notification to dead letter")
		if err := r.Queue.DeadLetter(ctx, *evt); err != nil {
			return true, nil, err
		}
		return true, nil, nil
	}
	telemetry.RelayDeliveries.WithLabelValues("retry").Inc()
	log.Warn().Err(deliverErr).Msg("relay: delivery failed, will retry")
	if err := r.Queue.Requeue(ctx, *evt); err != nil {
		return true, nil, err
	}
	return true, evt, nil
}

func (r *Relay) deliver(ctx context.Context, evt Event) error {
	for _, hook := range r.Webhooks {
		if !hook.Active() {
			continue
		}
		if !newKindFilter(hook.Kinds).match(evt.Kind) {
			continue
		}
		if err := r.postEvent(ctx, hook, evt); err != nil {
			return fmt.Errorf("deliver to %s: %w", hook.URL, err)
		}
	}
	return nil
}

func (r *Relay) postEvent(ctx context.Context, hook config.WebhookConfig, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if timeout := hook.Timeout(client.Timeout); timeout != client.Timeout {
		client = &http.Client{Timeout: timeout, Transport: client.Transport}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Civicflow-Event", evt.Kind)
	req.Header.Set("X-Civicflow-Delivery", evt.ID)
	req.Header.Set("X-Civicflow-Report", strconv.FormatInt(evt.ReportID, 10))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Civicflow-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

func (r *Relay) maxAttempts() int {
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	return 5
}

func (r *Relay) pollWait() time.Duration {
	if r.PollWait > 0 {
		return r.PollWait
	}
	return defaultPollWait
}

func (r *Relay) backoffBase() time.Duration {
	if r.BackoffBase > 0 {
		return r.BackoffBase
	}
	return defaultBackoffBase
}

func (r *Relay) backoffMax() time.Duration {
	if r.BackoffMax > 0 {
		return r.BackoffMax
	}
	return defaultBackoffMax
}

type kindFilter struct {
	all bool
	set map[string]struct{}
}

func newKindFilter(kinds []string) kindFilter {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return kindFilter{all: true}
	}
	return kindFilter{set: set}
}

func (f kindFilter) match(kind string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
