package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/derktes/signal-recorder/observe"
	"github.com/derktes/signal-recorder/signal"
)

// Ext is the file extension of stored signals.
const Ext = ".sig"

const (
	defaultLockTimeout = 2 * time.Second
	subscriberBuffer   = 16
)

var namePattern = regexp.MustCompile(`^(ir|rf)_([0-9A-F]{8})\.sig$`)

// Entry is one stored signal.
type Entry struct {
	Name string      `json:"filename"`
	Size int64       `json:"size"`
	Mode signal.Mode `json:"mode"`
}

// ParseName validates a stored-signal name and returns its mode and
// sequence number.
func ParseName(name string) (signal.Mode, uint32, error) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadName, name)
	}
	mode, err := signal.ParseMode(m[1])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadName, name)
	}
	seq, _ := strconv.ParseUint(m[2], 16, 32)
	return mode, uint32(seq), nil
}

// FileName renders the stored name of the seq-th signal.
func FileName(mode signal.Mode, seq uint32) string {
	return fmt.Sprintf("%s_%08X%s", mode.Tag(), seq, Ext)
}

// state is everything guarded by the sink lock. Holding the value received
// from Sink.lock is holding the lock.
type state struct {
	next        uint64
	subscribers map[string]chan Entry
}

// Sink is the single writer to a Medium. Every operation, whatever mode or
// goroutine it comes from, runs under one lock that is given up after
// LockTimeout.
type Sink struct {
	medium      Medium
	lock        chan *state
	lockTimeout time.Duration
	log         *slog.Logger
	metrics     *observe.Metrics
}

// Option configures a Sink.
type Option func(*Sink)

func WithLockTimeout(d time.Duration) Option {
	return func(s *Sink) { s.lockTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.log = l }
}

func WithMetrics(m *observe.Metrics) Option {
	return func(s *Sink) { s.metrics = m }
}

// Open scans the medium once for the highest sequence number in use and
// returns a sink that numbers new files after it.
func Open(ctx context.Context, medium Medium, opts ...Option) (*Sink, error) {
	s := &Sink{
		medium:      medium,
		lock:        make(chan *state, 1),
		lockTimeout: defaultLockTimeout,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}

	files, err := medium.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %w", ErrStorage, err)
	}
	st := &state{subscribers: make(map[string]chan Entry)}
	for _, f := range files {
		if _, seq, err := ParseName(f.Name); err == nil && uint64(seq) >= st.next {
			st.next = uint64(seq) + 1
		}
	}
	s.lock <- st
	s.log.Info("storage opened", "signals", len(files), "next", st.next)
	return s, nil
}

func (s *Sink) acquire(ctx context.Context) (*state, error) {
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case st := <-s.lock:
		return st, nil
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Sink) release(st *state) {
	s.lock <- st
}

// Save writes p under a new name and releases p, whether or not the write
// succeeded.
func (s *Sink) Save(ctx context.Context, p *signal.Packet) (Entry, error) {
	start := time.Now()
	mode := p.Mode
	defer p.Release()

	if !mode.Valid() {
		return Entry{}, fmt.Errorf("store: save: %w", signal.ErrUnknownMode)
	}
	var buf bytes.Buffer
	if _, err := p.WriteTo(&buf); err != nil {
		return Entry{}, fmt.Errorf("store: save: %w", err)
	}

	st, err := s.acquire(ctx)
	if err != nil {
		s.metrics.RecordSave(ctx, mode.String(), time.Since(start), errorKind(err))
		return Entry{}, fmt.Errorf("store: save: %w", err)
	}
	defer s.release(st)

	if st.next > math.MaxUint32 {
		s.metrics.RecordSave(ctx, mode.String(), time.Since(start), "exhausted")
		return Entry{}, fmt.Errorf("%w: signal numbers exhausted", ErrStorage)
	}
	name := FileName(mode, uint32(st.next))
	st.next++
	if err := s.medium.Write(ctx, name, buf.Bytes()); err != nil {
		s.metrics.RecordSave(ctx, mode.String(), time.Since(start), "write")
		return Entry{}, fmt.Errorf("%w: write %s: %w", ErrStorage, name, err)
	}

	e := Entry{Name: name, Size: int64(buf.Len()), Mode: mode}
	s.metrics.RecordSave(ctx, mode.String(), time.Since(start), "")
	for id, ch := range st.subscribers {
		select {
		case ch <- e:
		default:
			s.log.Warn("subscriber too slow, entry dropped", "subscriber", id, "name", name)
		}
	}
	return e, nil
}

// Load reads and parses a stored signal. The returned packet is not pooled;
// releasing it is optional.
func (s *Sink) Load(ctx context.Context, name string) (*signal.Packet, error) {
	mode, _, err := ParseName(name)
	if err != nil {
		return nil, err
	}
	st, err := s.acquire(ctx)
	if err != nil {
		s.metrics.RecordStorageError(ctx, "load", errorKind(err))
		return nil, fmt.Errorf("store: load: %w", err)
	}
	data, err := s.medium.Read(ctx, name)
	s.release(st)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		s.metrics.RecordStorageError(ctx, "load", "read")
		return nil, fmt.Errorf("%w: read %s: %w", ErrStorage, name, err)
	}

	p, err := signal.ReadPacket(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", name, err)
	}
	if p.Mode != mode {
		return nil, fmt.Errorf("store: %s: %w: header mode %s", name, signal.ErrMalformed, p.Mode)
	}
	return p, nil
}

// List returns up to limit stored signals in name order. limit <= 0 means no
// limit.
func (s *Sink) List(ctx context.Context, limit int) ([]Entry, error) {
	st, err := s.acquire(ctx)
	if err != nil {
		s.metrics.RecordStorageError(ctx, "list", errorKind(err))
		return nil, fmt.Errorf("store: list: %w", err)
	}
	files, err := s.medium.List(ctx)
	s.release(st)
	if err != nil {
		s.metrics.RecordStorageError(ctx, "list", "read")
		return nil, fmt.Errorf("%w: list: %w", ErrStorage, err)
	}

	entries := make([]Entry, 0, len(files))
	for _, f := range files {
		mode, _, err := ParseName(f.Name)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Name: f.Name, Size: f.Size, Mode: mode})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Delete removes a stored signal.
func (s *Sink) Delete(ctx context.Context, name string) error {
	if _, _, err := ParseName(name); err != nil {
		return err
	}
	st, err := s.acquire(ctx)
	if err != nil {
		s.metrics.RecordStorageError(ctx, "delete", errorKind(err))
		return fmt.Errorf("store: delete: %w", err)
	}
	err = s.medium.Remove(ctx, name)
	s.release(st)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		s.metrics.RecordStorageError(ctx, "delete", "remove")
		return fmt.Errorf("%w: remove %s: %w", ErrStorage, name, err)
	}
	s.log.Info("signal deleted", "name", name)
	return nil
}

// Subscribe registers id for saved-entry notifications. Slow subscribers
// miss entries instead of holding up saves. The returned function
// unsubscribes and closes the channel.
func (s *Sink) Subscribe(ctx context.Context, id string) (<-chan Entry, func(), error) {
	st, err := s.acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("store: subscribe: %w", err)
	}
	defer s.release(st)
	if _, ok := st.subscribers[id]; ok {
		return nil, nil, fmt.Errorf("store: %s already subscribed", id)
	}
	ch := make(chan Entry, subscriberBuffer)
	st.subscribers[id] = ch

	unsubscribe := func() {
		st := <-s.lock
		if c, ok := st.subscribers[id]; ok && c == ch {
			delete(st.subscribers, id)
			close(ch)
		}
		s.release(st)
	}
	return ch, unsubscribe, nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "other"
}
