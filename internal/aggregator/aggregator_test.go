package aggregator

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"whatsapp-companion/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSink struct {
	mu    sync.Mutex
	items []domain.Interaction
	err   error
}

func (s *recordingSink) Enqueue(in domain.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, in)
	return s.err
}

func (s *recordingSink) snapshot() []domain.Interaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Interaction(nil), s.items...)
}

const quiet = 80 * time.Millisecond

func newTestAggregator(t *testing.T, sink Sink) *Aggregator {
	t.Helper()
	a, err := New(sink, WithQuietPeriod(quiet))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestNew_NilSink(t *testing.T) {
	_, err := New(nil)
	require.ErrorContains(t, err, "must not be nil")
}

func TestSingleMessagePassesThroughUnchanged(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAggregator(t, sink)

	a.OnMessage("34600000001", "  Hola  ")

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	got := sink.snapshot()[0]
	require.Equal(t, "  Hola  ", got.Text)
	require.Equal(t, "34600000001", got.SenderID)
	require.True(t, strings.HasPrefix(got.ID, "34600000001-"))
	require.Zero(t, a.Pending())
}

func TestBurstIsCombinedInArrivalOrder(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAggregator(t, sink)

	a.OnMessage("s", "Hola")
	time.Sleep(quiet / 4)
	a.OnMessage("s", "¿qué dice la Biblia sobre la paciencia?")
	time.Sleep(quiet / 4)
	a.OnMessage("s", "gracias")

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "Hola\n\n¿qué dice la Biblia sobre la paciencia?\n\ngracias", sink.snapshot()[0].Text)

	// No second flush for the superseded timers.
	time.Sleep(2 * quiet)
	require.Len(t, sink.snapshot(), 1)
}

func TestQuietPeriodRestartsOnEachMessage(t *testing.T) {
	sink := &recordingSink{}
	a, err := New(sink, WithQuietPeriod(250*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	for i := 0; i < 5; i++ {
		a.OnMessage("s", "x")
		time.Sleep(50 * time.Millisecond)
	}
	require.Empty(t, sink.snapshot(), "a steady stream keeps the buffer open")

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, strings.Repeat("x\n\n", 4)+"x", sink.snapshot()[0].Text)
}

func TestSendersAreIndependent(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAggregator(t, sink)

	a.OnMessage("a", "uno")
	a.OnMessage("b", "dos")
	a.OnMessage("a", "tres")

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	bySender := map[string]string{}
	for _, in := range sink.snapshot() {
		bySender[in.SenderID] = in.Text
	}
	require.Equal(t, map[string]string{"a": "uno\n\ntres", "b": "dos"}, bySender)
}

func TestMessagesAfterFlushStartNewInteraction(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAggregator(t, sink)

	a.OnMessage("s", "primero")
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	a.OnMessage("s", "segundo")
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	items := sink.snapshot()
	require.Equal(t, "primero", items[0].Text)
	require.Equal(t, "segundo", items[1].Text)
	require.NotEqual(t, items[0].ID, items[1].ID)
}

func TestBlankMessagesAreIgnored(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAggregator(t, sink)

	a.OnMessage("s", "   ")
	a.OnMessage("", "hola")
	require.Zero(t, a.Pending())
}

func TestCloseFlushesPendingBuffers(t *testing.T) {
	sink := &recordingSink{}
	a, err := New(sink, WithQuietPeriod(time.Hour))
	require.NoError(t, err)

	a.OnMessage("a", "uno")
	a.OnMessage("a", "dos")
	a.OnMessage("b", "tres")
	require.Equal(t, 2, a.Pending())

	a.Close()
	require.Len(t, sink.snapshot(), 2)
	require.Zero(t, a.Pending())

	a.OnMessage("a", "tarde")
	a.Close()
	require.Len(t, sink.snapshot(), 2)
}

// blockingSink holds Enqueue until release is closed.
type blockingSink struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingSink) Enqueue(domain.Interaction) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return nil
}

func TestCloseWaitsForTimerFlushInProgress(t *testing.T) {
	sink := &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
	a, err := New(sink, WithQuietPeriod(10*time.Millisecond))
	require.NoError(t, err)

	a.OnMessage("s", "hola")
	select {
	case <-sink.entered:
	case <-time.After(time.Second):
		t.Fatal("timer never flushed")
	}
	require.Zero(t, a.Pending())

	closed := make(chan struct{})
	go func() {
		a.Close()
		close(closed)
	}()
	require.Never(t, func() bool {
		select {
		case <-closed:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond)

	close(sink.release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the flush finished")
	}
}

func TestSinkErrorIsLoggedNotFatal(t *testing.T) {
	sink := &recordingSink{err: errors.New("queue closed")}
	a := newTestAggregator(t, sink)

	a.OnMessage("s", "hola")
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Zero(t, a.Pending())
}

func TestCombine(t *testing.T) {
	require.Equal(t, "a", combine([]string{"a"}))
	require.Equal(t, "a\n\nb", combine([]string{"a", "b"}))
}
