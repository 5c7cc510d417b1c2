// Package probe measures relay round-trip latency. Each connection sends
// messages whose body is a fresh token and times how long the relay takes to
// echo that token back to the same connection.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/chatrelay/internal/codec"
	"github.com/Tyrowin/chatrelay/internal/wsnet"
)

// TimestampLayout is the timestamp format probe messages carry.
const TimestampLayout = time.DateTime

// Options configures a probe run.
type Options struct {
	// Addr is a TCP host:port or a ws:// URL.
	Addr        string
	Codec       codec.Codec
	Connections int
	Messages    int
	// Interval between two sends on one connection. Zero sends back to back.
	Interval time.Duration
	// Timeout bounds the wait for outstanding echoes after the last send.
	Timeout time.Duration
	Origin  string
	Logger  *slog.Logger
}

func (o *Options) sanitize() error {
	if o.Addr == "" {
		return errors.New("probe: address is required")
	}
	if o.Codec == nil {
		o.Codec = codec.Text{}
	}
	if o.Connections <= 0 {
		o.Connections = 1
	}
	if o.Messages <= 0 {
		o.Messages = 1
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}

// Dial connects to addr, over WebSocket when addr is a ws:// URL and over
// TCP otherwise.
func Dial(ctx context.Context, addr, origin string) (net.Conn, error) {
	if wsnet.IsURL(addr) {
		timeout := 10 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		return wsnet.Dial(addr, origin, timeout)
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("probe: dial %s: %w", addr, err)
	}
	return conn, nil
}

// Run opens opts.Connections connections, sends opts.Messages messages on
// each and collects a Report. Connections are all established before the
// first message is sent, so every probe sees every other probe's traffic.
func Run(ctx context.Context, opts Options) (*Report, error) {
	if err := opts.sanitize(); err != nil {
		return nil, err
	}

	sessions := make([]*session, 0, opts.Connections)
	defer func() {
		for _, s := range sessions {
			s.close()
		}
	}()
	for i := range opts.Connections {
		conn, err := Dial(ctx, opts.Addr, opts.Origin)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, newSession(i, conn, opts))
	}
	opts.Logger.Info("Probe connected", "addr", opts.Addr, "connections", len(sessions), "codec", opts.Codec.Name())

	start := time.Now()
	group, groupCtx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		group.Go(func() error { return s.run(groupCtx) })
	}
	err := group.Wait()

	report := newReport(opts.Codec.Name(), sessions, time.Since(start))
	if err != nil && !errors.Is(err, context.Canceled) {
		return report, err
	}
	return report, nil
}

// session is one probe connection. pending is keyed by body token so echoes
// of other connections' messages are never mistaken for ours.
type session struct {
	sender string
	conn   net.Conn
	opts   Options
	log    *slog.Logger

	mu      sync.Mutex
	pending map[string]time.Time
	samples []time.Duration
	sent    int
	drained chan struct{}
	// sending is true until the last message has been written.
	sending bool

	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(index int, conn net.Conn, opts Options) *session {
	sender := fmt.Sprintf("probe-%d", index)
	return &session{
		sender:  sender,
		conn:    conn,
		opts:    opts,
		log:     opts.Logger.With("sender", sender),
		pending: make(map[string]time.Time, opts.Messages),
		samples: make([]time.Duration, 0, opts.Messages),
		drained: make(chan struct{}),
		sending: true,
		closed:  make(chan struct{}),
	}
}

func (s *session) run(ctx context.Context) error {
	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop() }()

	if err := s.sendAll(ctx); err != nil {
		s.close()
		<-readErr
		return err
	}

	timer := time.NewTimer(s.opts.Timeout)
	defer timer.Stop()
	select {
	case <-s.drained:
	case <-timer.C:
		s.log.Warn("Probe timed out waiting for echoes", "outstanding", s.outstanding())
	case err := <-readErr:
		s.close()
		if err != nil {
			return fmt.Errorf("probe %s: %w", s.sender, err)
		}
		return nil
	case <-ctx.Done():
	}
	s.close()
	<-readErr
	return nil
}

func (s *session) sendAll(ctx context.Context) error {
	for range s.opts.Messages {
		if err := ctx.Err(); err != nil {
			return err
		}
		token := uuid.NewString()
		msg := codec.Message{
			SenderID:  s.sender,
			Timestamp: time.Now().Format(TimestampLayout),
			Body:      token,
		}

		s.mu.Lock()
		s.pending[token] = time.Now()
		s.sent++
		s.mu.Unlock()

		if err := codec.WriteMessage(s.conn, s.opts.Codec, msg); err != nil {
			return fmt.Errorf("probe %s: send: %w", s.sender, err)
		}

		if s.opts.Interval > 0 {
			select {
			case <-time.After(s.opts.Interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	s.mu.Lock()
	s.sending = false
	s.signalIfDrained()
	s.mu.Unlock()
	return nil
}

// readLoop returns nil once the session is closed locally.
func (s *session) readLoop() error {
	reader := codec.NewReader(s.conn, s.opts.Codec, codec.DefaultMaxFrameSize)
	for {
		msg, err := reader.Next()
		if err != nil {
			if errors.Is(err, codec.ErrFormat) {
				continue
			}
			if s.isClosed() {
				return nil
			}
			return err
		}
		s.observe(msg, time.Now())
	}
}

func (s *session) observe(msg codec.Message, at time.Time) {
	if msg.SenderID != s.sender {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sentAt, ok := s.pending[msg.Body]
	if !ok {
		return
	}
	delete(s.pending, msg.Body)
	s.samples = append(s.samples, at.Sub(sentAt))
	s.signalIfDrained()
}

// signalIfDrained requires s.mu.
func (s *session) signalIfDrained() {
	if !s.sending && len(s.pending) == 0 {
		select {
		case <-s.drained:
		default:
			close(s.drained)
		}
	}
}

func (s *session) outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *session) result() (sent int, samples []time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, append([]time.Duration(nil), s.samples...)
}

func (s *session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}
