// Package sequencer runs interactions one at a time per sender, in arrival
// order, while different senders proceed concurrently.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"whatsapp-companion/internal/domain"
	"whatsapp-companion/internal/metrics"
)

// DefaultThrottle is the pause between consecutive items of one sender.
const DefaultThrottle = 100 * time.Millisecond

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("sequencer: closed")

// Processor handles one interaction. Errors are logged and never stop the
// sender's queue.
type Processor interface {
	Process(ctx context.Context, in domain.Interaction) error
}

type senderQueue struct {
	pending []domain.Interaction
}

type Sequencer struct {
	proc     Processor
	throttle time.Duration
	logger   *slog.Logger

	// ctx is handed to every Process call; cancel aborts in-flight work.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queues map[string]*senderQueue
	closed bool
	active sync.WaitGroup
	// drained is closed once Close has been called and every drain loop ended.
	drained chan struct{}
}

type Option func(*Sequencer)

// WithThrottle sets the pause between items of the same sender. Zero
// disables it.
func WithThrottle(d time.Duration) Option {
	return func(s *Sequencer) {
		if d >= 0 {
			s.throttle = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sequencer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(proc Processor, opts ...Option) (*Sequencer, error) {
	if proc == nil {
		return nil, errors.New("sequencer: processor must not be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sequencer{
		proc:     proc,
		throttle: DefaultThrottle,
		logger:   slog.Default().With("component", "sequencer"),
		ctx:      ctx,
		cancel:   cancel,
		queues:   make(map[string]*senderQueue),
		drained:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Enqueue appends in to its sender's queue and starts a drain loop when the
// sender has none running.
func (s *Sequencer) Enqueue(in domain.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	q, running := s.queues[in.SenderID]
	if !running {
		q = &senderQueue{}
		s.queues[in.SenderID] = q
	}
	q.pending = append(q.pending, in)
	s.logger.Debug("interaction queued", "sender", in.SenderID, "interaction_id", in.ID, "depth", len(q.pending))
	if !running {
		s.active.Add(1)
		metrics.SenderQueuesActive.Inc()
		go s.drain(in.SenderID, q)
	}
	return nil
}

func (s *Sequencer) drain(senderID string, q *senderQueue) {
	defer func() {
		metrics.SenderQueuesActive.Dec()
		s.active.Done()
	}()
	for {
		s.mu.Lock()
		if len(q.pending) == 0 {
			delete(s.queues, senderID)
			s.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending = q.pending[1:]
		s.mu.Unlock()

		s.run(next)

		s.mu.Lock()
		more := len(q.pending) > 0
		s.mu.Unlock()
		if more && s.throttle > 0 {
			select {
			case <-time.After(s.throttle):
			case <-s.ctx.Done():
			}
		}
	}
}

func (s *Sequencer) run(in domain.Interaction) {
	log := s.logger.With("sender", in.SenderID, "interaction_id", in.ID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("interaction panicked", "err", fmt.Errorf("panic: %v", r))
		}
	}()
	start := time.Now()
	if err := s.proc.Process(s.ctx, in); err != nil {
		log.Error("interaction failed", "err", err, "elapsed", time.Since(start))
		return
	}
	log.Info("interaction processed", "elapsed", time.Since(start))
}

// Depth reports the number of queued, not yet started interactions for senderID.
func (s *Sequencer) Depth(senderID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[senderID]; ok {
		return len(q.pending)
	}
	return 0
}

// Wait blocks until the queues have drained after Close, or ctx is done.
func (s *Sequencer) Wait(ctx context.Context) error {
	select {
	case <-s.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects new work. Queued interactions still drain; once they have,
// the processing context is released. Use Abort to cancel in-flight work.
func (s *Sequencer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	go func() {
		s.active.Wait()
		s.cancel()
		close(s.drained)
	}()
}

// Abort cancels the context of in-flight and queued processing.
func (s *Sequencer) Abort() {
	s.cancel()
}
