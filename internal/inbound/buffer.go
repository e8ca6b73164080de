package inbound

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"wacrm/internal/eventbus"
	"wacrm/internal/observability/metrics"
	"wacrm/internal/storage"
	"wacrm/internal/transport"
	logx "wacrm/pkg/logx"
)

const (
	DefaultIdleWindow    = 25 * time.Second
	DefaultMaxBufferSize = 10

	auditTimeout = 2 * time.Second
)

// Config controls coalescing. Zero values take the defaults; negative values
// are rejected.
type Config struct {
	IdleWindow    time.Duration
	MaxBufferSize int
	// FlushOnClose delivers pending fragments on Close instead of dropping them.
	FlushOnClose bool
}

func (c Config) normalize() (Config, error) {
	if c.IdleWindow < 0 {
		return c, fmt.Errorf("%w: idle window must be > 0, got %s", ErrInvalidConfig, c.IdleWindow)
	}
	if c.MaxBufferSize < 0 {
		return c, fmt.Errorf("%w: max buffer size must be > 0, got %d", ErrInvalidConfig, c.MaxBufferSize)
	}
	if c.IdleWindow == 0 {
		c.IdleWindow = DefaultIdleWindow
	}
	if c.MaxBufferSize == 0 {
		c.MaxBufferSize = DefaultMaxBufferSize
	}
	return c, nil
}

// Fragment is one piece of a sender's burst.
type Fragment struct {
	Content string
	Kind    transport.ContentKind
	At      time.Time
}

// Consumer receives one coalesced message. It is never called with the
// buffer lock held.
type Consumer func(ctx context.Context, senderID, text string) error

type FlushReason string

const (
	ReasonIdle     FlushReason = "idle"
	ReasonOverflow FlushReason = "overflow"
	ReasonManual   FlushReason = "manual"
	ReasonShutdown FlushReason = "shutdown"
)

// FlushEvent is published on the bus after every delivery.
type FlushEvent struct {
	SenderID  string      `json:"sender_id"`
	Fragments int         `json:"fragments"`
	Reason    FlushReason `json:"reason"`
	Err       string      `json:"error,omitempty"`
}

type Option func(*Buffer)

func WithBus(bus eventbus.Bus) Option { return func(b *Buffer) { b.bus = bus } }

// WithStore audits every flush (sender, fragment count, reason).
func WithStore(st storage.Store) Option { return func(b *Buffer) { b.store = st } }

// WithOnFlushError receives consumer errors from timer-driven flushes, which
// have no caller to return them to.
func WithOnFlushError(fn func(senderID string, err error)) Option {
	return func(b *Buffer) { b.onFlushError = fn }
}

// WithClock overrides the arrival timestamp source.
func WithClock(now func() time.Time) Option { return func(b *Buffer) { b.now = now } }

type pending struct {
	frags []Fragment
	timer *time.Timer
	// gen identifies the live timer; firings carrying an older value are stale.
	gen uint64
}

// Buffer holds pending fragments per sender.
type Buffer struct {
	mu      sync.Mutex
	cfg     Config
	pending map[string]*pending
	gen     uint64
	closed  bool

	consumer     Consumer
	log          logx.Logger
	bus          eventbus.Bus
	store        storage.Store
	onFlushError func(senderID string, err error)
	now          func() time.Time
}

func New(cfg Config, consumer Consumer, log logx.Logger, opts ...Option) (*Buffer, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	if consumer == nil {
		return nil, fmt.Errorf("%w: consumer is required", ErrInvalidConfig)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Buffer{
		cfg:      cfg,
		pending:  map[string]*pending{},
		consumer: consumer,
		log:      log.With(logx.String("comp", "inbound")),
		now:      time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}
	if b.onFlushError == nil {
		b.onFlushError = func(senderID string, err error) {
			b.log.Warn("inbound flush failed", logx.Phone("sender", senderID), logx.Err(err))
		}
	}
	return b, nil
}

// Config returns the effective configuration.
func (b *Buffer) Config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// Apply swaps window and cap. Timers already running keep their deadline.
func (b *Buffer) Apply(cfg Config) error {
	cfg, err := cfg.normalize()
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
	return nil
}

// Submit appends a fragment stamped with the current time.
func (b *Buffer) Submit(ctx context.Context, senderID, content string, kind transport.ContentKind) error {
	return b.SubmitFragment(ctx, senderID, Fragment{Content: content, Kind: kind})
}

// SubmitFragment appends f to the sender's buffer and restarts its idle
// window. A zero f.At is stamped on arrival. When the buffer reaches its cap
// it is flushed before returning and the consumer's error, if any, is
// returned.
func (b *Buffer) SubmitFragment(ctx context.Context, senderID string, f Fragment) error {
	senderID = strings.TrimSpace(senderID)
	if senderID == "" {
		return ErrEmptySender
	}
	if f.At.IsZero() {
		f.At = b.now()
	}
	if f.Kind == "" {
		f.Kind = transport.ContentText
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	p := b.pending[senderID]
	if p == nil {
		p = &pending{}
		b.pending[senderID] = p
		metrics.InboundPendingSenders.Set(float64(len(b.pending)))
	}
	p.frags = append(p.frags, f)
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}

	if len(p.frags) >= b.cfg.MaxBufferSize {
		frags := b.detachLocked(senderID)
		b.mu.Unlock()
		return b.deliver(ctx, senderID, frags, ReasonOverflow)
	}

	b.gen++
	gen := b.gen
	p.gen = gen
	p.timer = time.AfterFunc(b.cfg.IdleWindow, func() { b.onIdle(senderID, gen) })
	n := len(p.frags)
	b.mu.Unlock()

	b.log.Trace("fragment buffered", logx.Phone("sender", senderID), logx.Int("pending", n))
	return nil
}

func (b *Buffer) onIdle(senderID string, gen uint64) {
	b.mu.Lock()
	p := b.pending[senderID]
	if b.closed || p == nil || p.gen != gen {
		b.mu.Unlock()
		return
	}
	frags := b.detachLocked(senderID)
	b.mu.Unlock()

	if err := b.deliver(context.Background(), senderID, frags, ReasonIdle); err != nil {
		b.onFlushError(senderID, err)
	}
}

// Flush delivers the sender's fragments now. Unknown senders are a no-op.
func (b *Buffer) Flush(ctx context.Context, senderID string) error {
	senderID = strings.TrimSpace(senderID)
	if senderID == "" {
		return ErrEmptySender
	}
	b.mu.Lock()
	frags := b.detachLocked(senderID)
	b.mu.Unlock()
	return b.deliver(ctx, senderID, frags, ReasonManual)
}

// detachLocked removes the sender's state and stops its timer.
func (b *Buffer) detachLocked(senderID string) []Fragment {
	p := b.pending[senderID]
	if p == nil {
		return nil
	}
	delete(b.pending, senderID)
	if p.timer != nil {
		p.timer.Stop()
	}
	metrics.InboundPendingSenders.Set(float64(len(b.pending)))
	return p.frags
}

func (b *Buffer) deliver(ctx context.Context, senderID string, frags []Fragment, reason FlushReason) error {
	if len(frags) == 0 {
		return nil
	}
	sort.SliceStable(frags, func(i, j int) bool { return frags[i].At.Before(frags[j].At) })
	text := Join(frags)

	start := time.Now()
	err := b.consume(ctx, senderID, text)
	metrics.InboundFlushTotal.WithLabelValues(string(reason)).Inc()

	ev := FlushEvent{SenderID: senderID, Fragments: len(frags), Reason: reason}
	if err != nil {
		metrics.InboundConsumerErrors.Inc()
		ev.Err = err.Error()
		err = fmt.Errorf("%w: sender %s: %w", ErrConsumer, senderID, err)
	}
	eventbus.Publish(b.bus, eventbus.TypeInboundFlushed, ev)
	b.audit(ev)

	b.log.Debug("inbound flushed",
		logx.Phone("sender", senderID),
		logx.Int("fragments", len(frags)),
		logx.String("reason", string(reason)),
		logx.Duration("took", time.Since(start)),
	)
	return err
}

// consume calls the consumer, turning a panic into an error. Idle flushes
// run on timer goroutines where an escaped panic would end the process.
func (b *Buffer) consume(ctx context.Context, senderID, text string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("inbound consumer panicked", logx.Phone("sender", senderID), logx.Any("panic", r))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return b.consumer(ctx, senderID, text)
}

func (b *Buffer) audit(ev FlushEvent) {
	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	err := b.store.AppendFlush(ctx, storage.FlushRecord{
		At:        time.Now(),
		SenderID:  ev.SenderID,
		Fragments: ev.Fragments,
		Reason:    string(ev.Reason),
		Error:     ev.Err,
	})
	if err != nil {
		b.log.Debug("flush audit failed", logx.Err(err))
	}
}

// Join concatenates fragment contents with single spaces, in slice order.
func Join(frags []Fragment) string {
	parts := make([]string, len(frags))
	for i, f := range frags {
		parts[i] = f.Content
	}
	return strings.Join(parts, " ")
}

// Pending returns the number of buffered fragments for the sender.
func (b *Buffer) Pending(senderID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p := b.pending[senderID]; p != nil {
		return len(p.frags)
	}
	return 0
}

// Senders returns how many senders have buffered fragments.
func (b *Buffer) Senders() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close stops every timer. With FlushOnClose the pending buffers are
// delivered (reason "shutdown"); otherwise they are dropped. Later calls are
// no-ops.
func (b *Buffer) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	flush := b.cfg.FlushOnClose
	batches := make(map[string][]Fragment, len(b.pending))
	for id := range b.pending {
		batches[id] = b.detachLocked(id)
	}
	b.mu.Unlock()

	if !flush {
		if len(batches) > 0 {
			b.log.Info("inbound buffers dropped on close", logx.Int("senders", len(batches)))
		}
		return nil
	}

	ids := make([]string, 0, len(batches))
	for id := range batches {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := b.deliver(ctx, id, batches[id], ReasonShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
