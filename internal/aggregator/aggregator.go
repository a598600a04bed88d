// Package aggregator coalesces bursts of inbound messages from one sender
// into a single interaction once the sender has been quiet for a while.
package aggregator

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"whatsapp-companion/internal/domain"
	"whatsapp-companion/internal/metrics"
)

// DefaultQuietPeriod is how long a sender must stay silent before flushing.
const DefaultQuietPeriod = 10 * time.Second

const separator = "\n\n"

// Sink receives combined interactions.
type Sink interface {
	Enqueue(in domain.Interaction) error
}

type buffer struct {
	texts []string
	timer *time.Timer
	// gen identifies the timer currently allowed to flush this buffer.
	gen uint64
}

type Aggregator struct {
	sink   Sink
	quiet  time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	buffers map[string]*buffer
	gen     uint64
	closed  bool
	// flushing tracks buffers detached by a timer and not yet handed to sink.
	flushing sync.WaitGroup
}

type Option func(*Aggregator)

func WithQuietPeriod(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.quiet = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func New(sink Sink, opts ...Option) (*Aggregator, error) {
	if sink == nil {
		return nil, errors.New("aggregator: sink must not be nil")
	}
	a := &Aggregator{
		sink:    sink,
		quiet:   DefaultQuietPeriod,
		now:     time.Now,
		logger:  slog.Default().With("component", "aggregator"),
		buffers: make(map[string]*buffer),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// OnMessage buffers text for senderID and restarts the sender's quiet timer.
// Blank texts are ignored.
func (a *Aggregator) OnMessage(senderID, text string) {
	if strings.TrimSpace(text) == "" || senderID == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.logger.Warn("message dropped after shutdown", "sender", senderID)
		return
	}

	b, ok := a.buffers[senderID]
	if !ok {
		b = &buffer{}
		a.buffers[senderID] = b
	}
	b.texts = append(b.texts, text)
	if b.timer != nil {
		b.timer.Stop()
	}
	a.gen++
	gen := a.gen
	b.gen = gen
	b.timer = time.AfterFunc(a.quiet, func() { a.expire(senderID, gen) })
}

// expire flushes the buffer only if gen still owns it. A timer that fired
// while a newer message was re-arming the buffer finds a different gen and
// backs off.
func (a *Aggregator) expire(senderID string, gen uint64) {
	a.mu.Lock()
	b, ok := a.buffers[senderID]
	if !ok || b.gen != gen {
		a.mu.Unlock()
		return
	}
	delete(a.buffers, senderID)
	a.flushing.Add(1)
	a.mu.Unlock()

	defer a.flushing.Done()
	a.flush(senderID, b.texts)
}

func (a *Aggregator) flush(senderID string, texts []string) {
	if len(texts) == 0 {
		return
	}
	in := domain.NewInteraction(senderID, combine(texts), a.now())
	metrics.AggregatedMessages.Observe(float64(len(texts)))
	a.logger.Info("interaction ready", "sender", senderID, "interaction_id", in.ID, "messages", len(texts))
	if err := a.sink.Enqueue(in); err != nil {
		a.logger.Error("enqueue interaction failed", "sender", senderID, "interaction_id", in.ID, "err", err)
	}
}

// Pending reports how many senders have buffered messages.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

// Close stops every timer, flushes all pending buffers immediately and waits
// for flushes already started by timers. Later messages are dropped.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.flushing.Wait()
		return
	}
	a.closed = true
	pending := a.buffers
	a.buffers = make(map[string]*buffer)
	for _, b := range pending {
		b.timer.Stop()
	}
	a.mu.Unlock()

	for senderID, b := range pending {
		a.flush(senderID, b.texts)
	}
	a.flushing.Wait()
}

func combine(texts []string) string {
	if len(texts) == 1 {
		return texts[0]
	}
	return strings.Join(texts, separator)
}
