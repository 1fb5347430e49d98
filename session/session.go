// Package session manages the connection to the translation backend:
// establishing it with backoff, keeping request statistics, and tearing
// it down and re-establishing it when the transport misbehaves.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/minios-linux/epubtrans/backend"
	"github.com/minios-linux/epubtrans/metrics"
	"github.com/minios-linux/epubtrans/retry"
)

// ErrNoCredential is returned by Connect when no API key is configured.
var ErrNoCredential = errors.New("no backend credential configured")

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// State is the connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Stats is a snapshot of the manager counters.
type Stats struct {
	SessionID      string
	State          State
	TotalRequests  int
	Successful     int
	Failed         int
	Reconnections  int
	Resets         int
	LastActivity   time.Time
	Uptime         time.Duration
	ConnectedSince time.Time
}

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

// Options configures a Manager.
type Options struct {
	// URL is the backend endpoint, used to find a stale local server.
	URL string
	// APIKey must be non-empty for Connect to proceed.
	APIKey string

	// ConnectAttempts bounds dial+health attempts per connect (default 5).
	ConnectAttempts int
	// ConnectBackoff is the first wait between attempts (default 1s),
	// doubled up to MaxConnectBackoff (default 30s).
	ConnectBackoff    time.Duration
	MaxConnectBackoff time.Duration
	// PingTimeout bounds each health check (default 10s).
	PingTimeout time.Duration

	// RequestsPerMinute throttles Exchange. Zero disables the limiter.
	RequestsPerMinute int

	// KillStale enables killing an unresponsive process that holds the
	// backend port on a loopback address.
	KillStale bool

	Metrics *metrics.Recorder
	Verbose bool

	// OnLog receives progress messages.
	OnLog func(msg string)

	// Test hooks.
	sleep func(ctx context.Context, d time.Duration) error
	stale staleKiller
}

func (o Options) effectiveAttempts() int {
	if o.ConnectAttempts > 0 {
		return o.ConnectAttempts
	}
	return 5
}

func (o Options) effectiveBackoff() time.Duration {
	if o.ConnectBackoff > 0 {
		return o.ConnectBackoff
	}
	return time.Second
}

func (o Options) effectiveMaxBackoff() time.Duration {
	if o.MaxConnectBackoff > 0 {
		return o.MaxConnectBackoff
	}
	return 30 * time.Second
}

func (o Options) effectivePingTimeout() time.Duration {
	if o.PingTimeout > 0 {
		return o.PingTimeout
	}
	return 10 * time.Second
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// Manager owns the active backend session.
type Manager struct {
	dialer  backend.Dialer
	opts    Options
	limiter *rate.Limiter
	stale   staleKiller

	// connMu serializes connect, reconnect and reset.
	connMu sync.Mutex

	mu             sync.Mutex
	sess           backend.Session
	state          State
	id             string
	started        time.Time
	connectedSince time.Time
	lastActivity   time.Time
	total          int
	ok             int
	failed         int
	reconnects     int
	resets         int
}

// New returns a disconnected manager.
func New(d backend.Dialer, opts Options) *Manager {
	m := &Manager{
		dialer:  d,
		opts:    opts,
		started: time.Now(),
		stale:   opts.stale,
	}
	if m.stale == nil {
		m.stale = systemKiller{}
	}
	if opts.RequestsPerMinute > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60), 1)
	}
	return m
}

func (m *Manager) logf(format string, args ...any) {
	if m.opts.OnLog != nil {
		m.opts.OnLog(fmt.Sprintf(format, args...))
	}
}

func (m *Manager) debugf(format string, args ...any) {
	if m.opts.Verbose {
		log.Printf("[DEBUG] "+format, args...)
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debugf("session state %s -> %s", m.state, s)
	m.state = s
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes a session. It fails fast with ErrNoCredential
// when no key is configured and with backend.ErrAuth when the key is
// rejected; other failures are retried with exponential backoff.
func (m *Manager) Connect(ctx context.Context) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.connect(ctx, Connecting)
}

func (m *Manager) connect(ctx context.Context, during State) error {
	if m.opts.APIKey == "" {
		m.setState(Disconnected)
		return ErrNoCredential
	}

	m.teardown()
	m.setState(during)

	attempts := m.opts.effectiveAttempts()
	policy := retry.Exponential(attempts, m.opts.effectiveBackoff(), m.opts.effectiveMaxBackoff())
	policy.Sleep = m.opts.sleep
	policy.Retryable = func(err error) bool {
		return !errors.Is(err, backend.ErrAuth) && !errors.Is(err, context.Canceled)
	}
	policy.OnRetry = func(ctx context.Context, attempt int, err error) error {
		m.logf("Backend not ready (attempt %d/%d): %v", attempt, attempts, err)
		if m.opts.KillStale && attempt == max(1, attempts/2) {
			m.killStale(ctx)
		}
		return nil
	}

	sess, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) (backend.Session, error) {
		m.debugf("dialing backend (attempt %d/%d)", attempt, attempts)
		s, err := m.dialer.Dial(ctx)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, m.opts.effectivePingTimeout())
		defer cancel()
		if err := s.Ping(pingCtx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	})
	if err != nil {
		m.setState(Disconnected)
		return fmt.Errorf("connecting to backend: %w", err)
	}

	m.mu.Lock()
	m.sess = sess
	m.state = Connected
	m.id = uuid.NewString()
	m.connectedSince = time.Now()
	m.lastActivity = m.connectedSince
	id := m.id
	m.mu.Unlock()

	m.debugf("session %s connected", id)
	return nil
}

// teardown closes the active session, if any.
func (m *Manager) teardown() {
	m.mu.Lock()
	sess := m.sess
	m.sess = nil
	m.mu.Unlock()
	if sess != nil {
		if err := sess.Close(); err != nil {
			m.debugf("closing session: %v", err)
		}
	}
}

// Reconnect tears the session down and establishes a new one.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.mu.Lock()
	m.reconnects++
	n := m.reconnects
	m.mu.Unlock()
	m.opts.Metrics.Reconnected(ctx)

	m.logf("Reconnecting to backend (reconnection #%d)", n)
	return m.connect(ctx, Reconnecting)
}

// ResetSession discards the session and its conversation history and
// opens a fresh one.
func (m *Manager) ResetSession(ctx context.Context) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.mu.Lock()
	m.resets++
	m.mu.Unlock()
	m.opts.Metrics.Reset(ctx)

	m.debugf("resetting session")
	return m.connect(ctx, Reconnecting)
}

// Exchange sends prompt on the active session, connecting first if
// needed. The returned channel relays the backend messages; request
// statistics are updated from the terminal message.
func (m *Manager) Exchange(ctx context.Context, prompt string) (<-chan backend.Message, error) {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		if err := m.Connect(ctx); err != nil {
			return nil, err
		}
		m.mu.Lock()
		sess = m.sess
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.total++
	m.lastActivity = time.Now()
	m.mu.Unlock()

	in, err := sess.Send(ctx, prompt)
	if err != nil {
		m.finish(ctx, false)
		return nil, err
	}

	out := make(chan backend.Message)
	go func() {
		defer close(out)
		terminal := false
		for msg := range in {
			switch msg.Kind {
			case backend.KindFinish:
				terminal = true
				m.finish(ctx, true)
			case backend.KindError:
				terminal = true
				m.finish(ctx, false)
			case backend.KindChunk, backend.KindToolCall, backend.KindPlan:
				m.touch()
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				if !terminal {
					m.finish(ctx, false)
				}
				// Let the producer observe ctx and close in.
				for range in {
				}
				return
			}
		}
		if !terminal {
			m.finish(ctx, false)
		}
	}()
	return out, nil
}

func (m *Manager) touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

// finish records the outcome of one request. A failure degrades the
// connection until the next reconnect.
func (m *Manager) finish(ctx context.Context, ok bool) {
	m.mu.Lock()
	m.lastActivity = time.Now()
	if ok {
		m.ok++
	} else {
		m.failed++
		if m.state == Connected {
			m.state = Degraded
		}
	}
	m.mu.Unlock()
	m.opts.Metrics.RequestDone(ctx, ok)
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		SessionID:      m.id,
		State:          m.state,
		TotalRequests:  m.total,
		Successful:     m.ok,
		Failed:         m.failed,
		Reconnections:  m.reconnects,
		Resets:         m.resets,
		LastActivity:   m.lastActivity,
		Uptime:         time.Since(m.started),
		ConnectedSince: m.connectedSince,
	}
}

// Close tears the session down.
func (m *Manager) Close() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.teardown()
	m.setState(Disconnected)
	return nil
}
