package inbound

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"wacrm/internal/eventbus"
	"wacrm/internal/transport"
	logx "wacrm/pkg/logx"
)

type delivery struct {
	sender string
	text   string
}

type collector struct {
	mu   sync.Mutex
	got  []delivery
	ch   chan delivery
	fail error
}

func newCollector() *collector { return &collector{ch: make(chan delivery, 16)} }

func (c *collector) consume(_ context.Context, senderID, text string) error {
	c.mu.Lock()
	c.got = append(c.got, delivery{senderID, text})
	err := c.fail
	c.mu.Unlock()
	c.ch <- delivery{senderID, text}
	return err
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func (c *collector) next(t *testing.T) delivery {
	t.Helper()
	select {
	case d := <-c.ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
		return delivery{}
	}
}

func newBuffer(t *testing.T, cfg Config, c *collector, opts ...Option) *Buffer {
	t.Helper()
	b, err := New(cfg, c.consume, logx.Nop(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func TestBurstFlushesOnce(t *testing.T) {
	c := newCollector()
	b := newBuffer(t, Config{IdleWindow: 50 * time.Millisecond, MaxBufferSize: 10}, c)
	ctx := context.Background()

	for _, s := range []string{"hello", "are you", "there?"} {
		if err := b.Submit(ctx, "905551112233", s, transport.ContentText); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	d := c.next(t)
	if d.sender != "905551112233" || d.text != "hello are you there?" {
		t.Fatalf("delivery = %+v", d)
	}
	time.Sleep(100 * time.Millisecond)
	if n := c.count(); n != 1 {
		t.Fatalf("deliveries = %d, want 1", n)
	}
	if b.Pending("905551112233") != 0 || b.Senders() != 0 {
		t.Fatal("state left after flush")
	}
}

func TestIdleWindowRestarts(t *testing.T) {
	c := newCollector()
	b := newBuffer(t, Config{IdleWindow: 100 * time.Millisecond}, c)
	ctx := context.Background()

	_ = b.Submit(ctx, "s", "one", transport.ContentText)
	time.Sleep(60 * time.Millisecond)
	_ = b.Submit(ctx, "s", "two", transport.ContentText)
	time.Sleep(60 * time.Millisecond)
	if n := c.count(); n != 0 {
		t.Fatalf("flushed before the restarted window elapsed (%d)", n)
	}
	if d := c.next(t); d.text != "one two" {
		t.Fatalf("text = %q", d.text)
	}
}

func TestOverflowFlushesSynchronously(t *testing.T) {
	c := newCollector()
	b := newBuffer(t, Config{IdleWindow: time.Hour, MaxBufferSize: 3}, c)
	ctx := context.Background()

	_ = b.Submit(ctx, "s", "1", transport.ContentText)
	_ = b.Submit(ctx, "s", "2", transport.ContentText)
	if c.count() != 0 {
		t.Fatal("flushed below the cap")
	}
	if err := b.Submit(ctx, "s", "3", transport.ContentText); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if c.count() != 1 {
		t.Fatal("cap did not flush before Submit returned")
	}
	if d := c.next(t); d.text != "1 2 3" {
		t.Fatalf("text = %q", d.text)
	}
	if b.Pending("s") != 0 {
		t.Fatal("buffer not cleared")
	}
}

func TestSendersAreIsolated(t *testing.T) {
	c := newCollector()
	b := newBuffer(t, Config{IdleWindow: time.Hour}, c)
	ctx := context.Background()

	_ = b.Submit(ctx, "a", "a1", transport.ContentText)
	_ = b.Submit(ctx, "b", "b1", transport.ContentText)
	_ = b.Submit(ctx, "a", "a2", transport.ContentText)
	if b.Senders() != 2 || b.Pending("a") != 2 || b.Pending("b") != 1 {
		t.Fatalf("pending a=%d b=%d senders=%d", b.Pending("a"), b.Pending("b"), b.Senders())
	}

	if err := b.Flush(ctx, "a"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if d := c.next(t); d.sender != "a" || d.text != "a1 a2" {
		t.Fatalf("delivery = %+v", d)
	}
	if b.Pending("b") != 1 {
		t.Fatal("flushing a touched b")
	}
}

func TestConsumerErrorClearsState(t *testing.T) {
	c := newCollector()
	boom := errors.New("pipeline down")
	c.fail = boom
	b := newBuffer(t, Config{IdleWindow: time.Hour}, c)
	ctx := context.Background()

	_ = b.Submit(ctx, "s", "x", transport.ContentText)
	err := b.Flush(ctx, "s")
	if !errors.Is(err, ErrConsumer) || !errors.Is(err, boom) {
		t.Fatalf("Flush err = %v", err)
	}
	if b.Pending("s") != 0 || b.Senders() != 0 {
		t.Fatal("state left after consumer error")
	}

	c.mu.Lock()
	c.fail = nil
	c.mu.Unlock()
	<-c.ch
	_ = b.Submit(ctx, "s", "y", transport.ContentText)
	if err := b.Flush(ctx, "s"); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if d := c.next(t); d.text != "y" {
		t.Fatalf("text = %q, want fresh buffer", d.text)
	}
}

func TestTimerFlushErrorGoesToHook(t *testing.T) {
	c := newCollector()
	c.fail = errors.New("nope")
	hooked := make(chan error, 1)
	b := newBuffer(t, Config{IdleWindow: 10 * time.Millisecond}, c,
		WithOnFlushError(func(_ string, err error) { hooked <- err }))

	_ = b.Submit(context.Background(), "s", "x", transport.ContentText)
	select {
	case err := <-hooked:
		if !errors.Is(err, ErrConsumer) {
			t.Fatalf("hook err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hook not called")
	}
}

func TestTimerFlushConsumerPanicGoesToHook(t *testing.T) {
	hooked := make(chan error, 1)
	consumer := func(context.Context, string, string) error { panic("pipeline bug") }
	b, err := New(Config{IdleWindow: 10 * time.Millisecond}, consumer, logx.Nop(),
		WithOnFlushError(func(_ string, err error) { hooked <- err }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	_ = b.Submit(context.Background(), "s", "x", transport.ContentText)
	select {
	case err := <-hooked:
		if !errors.Is(err, ErrConsumer) || !strings.Contains(err.Error(), "pipeline bug") {
			t.Fatalf("hook err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hook not called after consumer panic")
	}
	if b.Senders() != 0 {
		t.Fatal("state left after consumer panic")
	}
}

func TestFlushOrdersByArrivalStable(t *testing.T) {
	c := newCollector()
	b := newBuffer(t, Config{IdleWindow: time.Hour}, c)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	_ = b.SubmitFragment(ctx, "s", Fragment{Content: "c", At: t0.Add(2 * time.Second)})
	_ = b.SubmitFragment(ctx, "s", Fragment{Content: "a", At: t0})
	_ = b.SubmitFragment(ctx, "s", Fragment{Content: "b1", At: t0.Add(time.Second)})
	_ = b.SubmitFragment(ctx, "s", Fragment{Content: "b2", At: t0.Add(time.Second)})
	_ = b.Flush(ctx, "s")

	if d := c.next(t); d.text != "a b1 b2 c" {
		t.Fatalf("text = %q", d.text)
	}
}

func TestFlushUnknownSenderIsNoop(t *testing.T) {
	c := newCollector()
	b := newBuffer(t, Config{}, c)
	if err := b.Flush(context.Background(), "ghost"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if c.count() != 0 {
		t.Fatal("consumer called for unknown sender")
	}
}

func TestCloseFlushesPending(t *testing.T) {
	c := newCollector()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	b := newBuffer(t, Config{IdleWindow: time.Hour, FlushOnClose: true}, c, WithBus(bus))
	ctx := context.Background()

	_ = b.Submit(ctx, "a", "bye", transport.ContentText)
	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if d := c.next(t); d.sender != "a" || d.text != "bye" {
		t.Fatalf("delivery = %+v", d)
	}
	e := <-events
	if ev, ok := e.Data.(FlushEvent); !ok || ev.Reason != ReasonShutdown || ev.Fragments != 1 {
		t.Fatalf("event = %+v", e)
	}
	if err := b.Submit(ctx, "a", "late", transport.ContentText); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit after Close = %v", err)
	}
	if err := b.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestCloseDropsWithoutFlushOnClose(t *testing.T) {
	c := newCollector()
	b := newBuffer(t, Config{IdleWindow: 20 * time.Millisecond}, c)
	_ = b.Submit(context.Background(), "a", "x", transport.ContentText)
	_ = b.Close(context.Background())
	time.Sleep(50 * time.Millisecond)
	if c.count() != 0 {
		t.Fatal("dropped buffer was delivered")
	}
}

func TestConfigValidation(t *testing.T) {
	c := newCollector()
	if _, err := New(Config{IdleWindow: -time.Second}, c.consume, logx.Nop()); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("negative window: %v", err)
	}
	if _, err := New(Config{MaxBufferSize: -1}, c.consume, logx.Nop()); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("negative cap: %v", err)
	}
	if _, err := New(Config{}, nil, logx.Nop()); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil consumer: %v", err)
	}
	b, err := New(Config{}, c.consume, logx.Nop())
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if got := b.Config(); got.IdleWindow != DefaultIdleWindow || got.MaxBufferSize != DefaultMaxBufferSize {
		t.Fatalf("defaults = %+v", got)
	}
	if err := b.Submit(context.Background(), "  ", "x", transport.ContentText); !errors.Is(err, ErrEmptySender) {
		t.Fatalf("empty sender: %v", err)
	}
	if err := b.Apply(Config{IdleWindow: -1}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Apply negative: %v", err)
	}
}
