// Package bridge serves the scanner's issues over HTTP and pushes change
// notifications to WebSocket clients.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"issuebridge/pkg/auth"
	"issuebridge/pkg/httpx"
	"issuebridge/pkg/issues"
	"issuebridge/pkg/logging"
	"issuebridge/pkg/metrics"
	"issuebridge/pkg/stream"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultBindAddress  = "127.0.0.1"
	DefaultPort         = 8090
	DefaultPollInterval = 60 * time.Second
	DefaultWriteTimeout = 5 * time.Second

	EventIssuesChanged = "issues_changed"
)

var (
	ErrAlreadyRunning = errors.New("bridge: server already running")
	ErrListen         = errors.New("bridge: listen failed")
)

// listen is swapped in tests.
var listen = net.Listen

// State is the server lifecycle phase.
type State int32

const (
	Stopped State = iota
	Starting
	Running
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	default:
		return "stopped"
	}
}

// Config holds the listener and drift poll settings.
type Config struct {
	BindAddress    string
	Port           int
	AllowedOrigins string
	PollInterval   time.Duration
	WriteTimeout   time.Duration
	// ServiceName enables OpenTelemetry request spans when set.
	ServiceName string
}

func (c Config) withDefaults() Config {
	if c.BindAddress == "" {
		c.BindAddress = DefaultBindAddress
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// Sender writes one payload to one channel.
type Sender func(ctx context.Context, ch stream.Channel, payload []byte) error

func sendToChannel(ctx context.Context, ch stream.Channel, payload []byte) error {
	return ch.Send(ctx, payload)
}

type Option func(*Server)

func WithLogger(log logging.Logger) Option {
	return func(s *Server) { s.log = log }
}

func WithMetrics(reg *metrics.Registry) Option {
	return func(s *Server) { s.metrics = reg }
}

func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

func WithSender(send Sender) Option {
	return func(s *Server) { s.send = send }
}

// Server serves the issue snapshot API and pushes change notices to
// WebSocket clients.
type Server struct {
	cfg     Config
	origins httpx.OriginAllowlist
	source  issues.Source
	gate    *auth.Gate
	log     logging.Logger
	metrics *metrics.Registry
	clock   clockwork.Clock
	send    Sender

	state   atomic.Int32
	clients *stream.Registry

	// lastIssueCount only changes inside a drift cycle, which cycleMu
	// serializes.
	lastIssueCount atomic.Int64
	cycleMu        sync.Mutex

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	stopPoll   context.CancelFunc
	pollDone   chan struct{}
}

// New builds a stopped server; call Start to bind it.
func New(cfg Config, source issues.Source, gate *auth.Gate, opts ...Option) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:     cfg,
		origins: httpx.ParseOrigins(cfg.AllowedOrigins),
		source:  source,
		gate:    gate,
		log:     logging.Nop{},
		metrics: metrics.NewRegistry(),
		clock:   clockwork.NewRealClock(),
		send:    sendToChannel,
		clients: stream.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) State() State { return State(s.state.Load()) }

func (s *Server) ClientCount() int { return s.clients.Len() }

func (s *Server) LastIssueCount() int { return int(s.lastIssueCount.Load()) }

// Addr is the bound listener address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the listener, starts serving and starts the drift poll. A
// bind failure is returned wrapped in ErrListen and leaves the server
// stopped.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.CompareAndSwap(int32(Stopped), int32(Starting)) {
		return ErrAlreadyRunning
	}
	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.Port))
	ln, err := listen("tcp", addr)
	if err != nil {
		s.state.Store(int32(Stopped))
		return fmt.Errorf("%w on %s: %w", ErrListen, addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.listener = ln
	s.httpServer = srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("bridge serve failed", "error", err)
		}
	}()

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.stopPoll = cancel
	s.pollDone = make(chan struct{})
	go s.pollLoop(pollCtx, s.pollDone)

	s.state.Store(int32(Running))
	s.log.Info(fmt.Sprintf("bridge listening on %s", ln.Addr()))
	return nil
}

// Stop shuts the listener down, closes every client and resets the drift
// counter. Stopping a stopped server does nothing.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == Stopped {
		return nil
	}
	s.state.Store(int32(Stopped))

	s.stopPoll()
	<-s.pollDone

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	if err != nil {
		_ = s.httpServer.Close()
	}
	_ = s.listener.Close()

	for _, ch := range s.clients.Clear() {
		_ = ch.Close()
	}
	s.metrics.SetGauge(metrics.GaugeClients, 0)
	s.cycleMu.Lock()
	s.lastIssueCount.Store(0)
	s.cycleMu.Unlock()
	s.httpServer = nil
	s.listener = nil
	s.stopPoll = nil
	s.pollDone = nil
	s.log.Info("bridge stopped")
	if err != nil {
		return fmt.Errorf("bridge shutdown: %w", err)
	}
	return nil
}

func (s *Server) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.CheckDrift(ctx)
		}
	}
}

// CheckDrift compares the source's issue count with the last one seen and
// broadcasts when it changed. Nothing happens unless the server is running
// with at least one client.
func (s *Server) CheckDrift(ctx context.Context) {
	if s.State() != Running || s.clients.Len() == 0 {
		return
	}
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	count, err := s.source.Count(ctx)
	if err != nil {
		s.log.Error("read issue count failed", "error", err)
		return
	}
	s.metrics.SetGauge(metrics.GaugeIssueCount, float64(count))
	last := s.lastIssueCount.Load()
	if int64(count) == last {
		return
	}
	s.log.Info(fmt.Sprintf("issue count changed %d -> %d", last, count))
	s.metrics.Inc(metrics.DriftChanges)
	if _, err := s.Broadcast(ctx); err != nil {
		// retried on the next tick
		return
	}
	s.lastIssueCount.Store(int64(count))
}

type changeSummary struct {
	Count int      `json:"count"`
	IDs   []string `json:"ids"`
}

// Broadcast sends the current issue summary to every open channel and drops
// channels that are closed or fail the write. It returns the number of
// channels written to; an error means no summary could be built and nothing
// was sent.
func (s *Server) Broadcast(ctx context.Context) (int, error) {
	list, err := s.source.Issues(ctx)
	if err != nil {
		s.log.Error("read issues for broadcast failed", "error", err)
		return 0, err
	}
	evt := stream.NewEventAt(EventIssuesChanged, s.clock.Now(), changeSummary{
		Count: len(list),
		IDs:   issues.IDs(list),
	})
	payload, err := json.Marshal(evt)
	if err != nil {
		s.log.Error("encode broadcast failed", "error", err)
		return 0, err
	}

	removed, delivered := 0, 0
	for _, ch := range s.clients.Snapshot() {
		if !ch.Open() {
			if s.clients.Remove(ch.ID()) {
				removed++
			}
			continue
		}
		if err := s.send(ctx, ch, payload); err != nil {
			s.log.Error("broadcast write failed", "client", ch.ID(), "error", err)
			if s.clients.Remove(ch.ID()) {
				removed++
			}
			_ = ch.Close()
			continue
		}
		delivered++
	}

	s.metrics.Inc(metrics.Broadcasts)
	s.metrics.Add(metrics.BroadcastDelivered, int64(delivered))
	s.metrics.SetGauge(metrics.GaugeClients, float64(s.clients.Len()))
	if removed > 0 {
		s.metrics.Add(metrics.ChannelsPruned, int64(removed))
		s.log.Info(fmt.Sprintf("removed %d dead channels", removed))
	}
	if delivered > 0 {
		s.log.Info(fmt.Sprintf("broadcast to %d clients", delivered))
	}
	return delivered, nil
}
