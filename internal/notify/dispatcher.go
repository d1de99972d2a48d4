package notify

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agroclima/quillota/internal/metrics"
	"github.com/agroclima/quillota/internal/models"
	"github.com/agroclima/quillota/internal/store"
)

const deliveryRetries = 3

// ErrQueueFull is the back-pressure signal returned when the queue is full
// and holds nothing informational to evict.
var ErrQueueFull = errors.New("notify: queue full")

// Report aggregates one dispatch pass. Duplicates and Throttled count
// suppressed deliveries per channel.
type Report struct {
	mu         sync.Mutex
	ByChannel  map[string]map[Outcome]int
	Duplicates map[string]int
	Throttled  map[string]int
	Dropped    int
}

func newReport() *Report {
	return &Report{
		ByChannel:  map[string]map[Outcome]int{},
		Duplicates: map[string]int{},
		Throttled:  map[string]int{},
	}
}

func (r *Report) record(channel string, outcome Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.ByChannel[channel]
	if !ok {
		m = map[Outcome]int{}
		r.ByChannel[channel] = m
	}
	m[outcome]++
}

// Count returns the number of attempts on channel with the given outcome.
func (r *Report) Count(channel string, outcome Outcome) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ByChannel[channel][outcome]
}

// DuplicateCount returns how many deliveries on channel were suppressed by
// the idempotency window.
func (r *Report) DuplicateCount(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Duplicates[channel]
}

// ThrottledCount returns how many sends on channel were held back by the
// per-recipient rate limit.
func (r *Report) ThrottledCount(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Throttled[channel]
}

func (r *Report) addDuplicate(channel string) {
	r.mu.Lock()
	r.Duplicates[channel]++
	r.mu.Unlock()
}

func (r *Report) addThrottled(channel string) {
	r.mu.Lock()
	r.Throttled[channel]++
	r.mu.Unlock()
}

// Dispatcher drains a bounded alert queue on a dedicated worker, so the
// rules pipeline never blocks on channel I/O. Delivery is deduplicated by
// correlation key over the idempotency window and throttled per channel and
// recipient.
type Dispatcher struct {
	store    *store.Store
	channels []Channel

	idempotencyWindow time.Duration
	throttlePerMinute int
	queueCap          int

	mu     sync.Mutex
	queue  []models.Alert
	kick   chan struct{}
	closed bool

	buckets map[string]*tokenBucket

	report *Report
	done   chan struct{}
}

func NewDispatcher(st *store.Store, channels []Channel, idempotencyWindow time.Duration, throttlePerMinute, queueCap int) *Dispatcher {
	if idempotencyWindow <= 0 {
		idempotencyWindow = 15 * time.Minute
	}
	if throttlePerMinute <= 0 {
		throttlePerMinute = 10
	}
	if queueCap <= 0 {
		queueCap = 256
	}
	return &Dispatcher{
		store:             st,
		channels:          channels,
		idempotencyWindow: idempotencyWindow,
		throttlePerMinute: throttlePerMinute,
		queueCap:          queueCap,
		kick:              make(chan struct{}, 1),
		buckets:           map[string]*tokenBucket{},
		report:            newReport(),
		done:              make(chan struct{}),
	}
}

// Enqueue adds alerts to the queue. On overflow the oldest informational
// alert is evicted to make room; when none exists the new alert is rejected
// with ErrQueueFull so the caller sees the back-pressure.
func (d *Dispatcher) Enqueue(alerts ...models.Alert) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("notify: dispatcher closed")
	}

	var err error
	for _, a := range alerts {
		if len(d.queue) >= d.queueCap {
			if !d.evictInformationalLocked() {
				err = ErrQueueFull
				continue
			}
		}
		d.queue = append(d.queue, a)
	}

	select {
	case d.kick <- struct{}{}:
	default:
	}
	return err
}

func (d *Dispatcher) evictInformationalLocked() bool {
	for i, a := range d.queue {
		if a.Severity == models.SeverityInfo {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			d.report.mu.Lock()
			d.report.Dropped++
			d.report.mu.Unlock()
			return true
		}
	}
	return false
}

// Run drains the queue until ctx is cancelled. Alerts are processed strictly
// in arrival order, which preserves per-recipient FIFO.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.kick:
		}
		for {
			a, ok := d.pop()
			if !ok {
				break
			}
			d.deliver(ctx, a)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// Wait blocks until the drain worker has exited.
func (d *Dispatcher) Wait() { <-d.done }

// Flush synchronously delivers everything currently queued. Used by one-shot
// ingest runs and tests that have no background worker.
func (d *Dispatcher) Flush(ctx context.Context) {
	for {
		a, ok := d.pop()
		if !ok {
			return
		}
		d.deliver(ctx, a)
	}
}

func (d *Dispatcher) pop() (models.Alert, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return models.Alert{}, false
	}
	a := d.queue[0]
	d.queue = d.queue[1:]
	return a, true
}

// Report returns the running totals for this dispatcher.
func (d *Dispatcher) Report() *Report { return d.report }

func (d *Dispatcher) deliver(ctx context.Context, a models.Alert) {
	dispatched := false
	for _, ch := range d.channels {
		dup, err := d.store.DeliveredRecently(ctx, a.CorrelationKey, ch.Name(), d.idempotencyWindow)
		if err != nil {
			log.Printf("notify: delivery log lookup failed: %v", err)
		}
		if dup {
			d.report.addDuplicate(ch.Name())
			metrics.DispatchOutcomes.WithLabelValues(ch.Name(), "duplicate").Inc()
			continue
		}

		subject, body, err := ch.Render(a)
		if err != nil {
			log.Printf("notify: %s: %v", ch.Name(), err)
			d.report.record(ch.Name(), OutcomePermanent)
			continue
		}

		for _, recipient := range ch.Recipients() {
			if !d.allow(ch.Name(), recipient) {
				d.report.addThrottled(ch.Name())
				metrics.DispatchOutcomes.WithLabelValues(ch.Name(), "throttled").Inc()
				continue
			}
			outcome, attempts, latency := d.sendWithRetry(ctx, ch, Message{Recipient: recipient, Subject: subject, Body: body})
			d.report.record(ch.Name(), outcome)
			metrics.DispatchOutcomes.WithLabelValues(ch.Name(), string(outcome)).Inc()
			if outcome == OutcomeOK {
				dispatched = true
			}
			rec := store.DeliveryRecord{
				AlertID:        a.ID,
				CorrelationKey: a.CorrelationKey,
				Channel:        ch.Name(),
				Recipient:      recipient,
				Outcome:        string(outcome),
				Attempts:       attempts,
				LatencyMS:      latency.Milliseconds(),
			}
			if err := d.store.InsertDelivery(ctx, rec); err != nil {
				log.Printf("notify: record delivery: %v", err)
			}
		}
	}

	if dispatched {
		if err := d.store.SetAlertState(ctx, a.ID, models.AlertStateDispatched); err != nil {
			log.Printf("notify: mark dispatched: %v", err)
		}
	}
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, ch Channel, msg Message) (Outcome, int, time.Duration) {
	start := time.Now()
	attempts := 0
	outcome := OutcomeTransient

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	op := func() error {
		attempts++
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		o, err := ch.Send(sendCtx, msg)
		outcome = o
		if err == nil {
			return nil
		}
		if o == OutcomePermanent {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, deliveryRetries), ctx)); err != nil {
		log.Printf("notify: %s send to %s failed after %d attempts: %v", ch.Name(), msg.Recipient, attempts, err)
	}
	return outcome, attempts, time.Since(start)
}

// tokenBucket enforces the per-channel per-recipient rate over one-minute
// windows.
type tokenBucket struct {
	windowStart time.Time
	used        int
}

func (d *Dispatcher) allow(channel, recipient string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := channel + "|" + recipient
	b, ok := d.buckets[key]
	now := time.Now()
	if !ok || now.Sub(b.windowStart) >= time.Minute {
		b = &tokenBucket{windowStart: now}
		d.buckets[key] = b
	}
	if b.used >= d.throttlePerMinute {
		return false
	}
	b.used++
	return true
}
