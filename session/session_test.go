package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minios-linux/epubtrans/backend"
	"github.com/minios-linux/epubtrans/backend/backendtest"
	"github.com/minios-linux/epubtrans/retry"
)

type fakeKiller struct {
	mu        sync.Mutex
	listening bool
	pids      []int
	killed    []int
}

func (f *fakeKiller) Listening(context.Context, string) bool { return f.listening }

func (f *fakeKiller) PIDs(context.Context, string) ([]int, error) { return f.pids, nil }

func (f *fakeKiller) Kill(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	return nil
}

// testOptions returns options with instant, recorded sleeps.
func testOptions(waits *[]time.Duration) Options {
	return Options{
		URL:    "https://api.example.com/v1",
		APIKey: "sk-test",
		sleep: func(ctx context.Context, d time.Duration) error {
			if waits != nil {
				*waits = append(*waits, d)
			}
			return ctx.Err()
		},
		stale: &fakeKiller{},
	}
}

func collect(t *testing.T, ch <-chan backend.Message) []backend.Message {
	t.Helper()
	var out []backend.Message
	timeout := time.After(5 * time.Second)
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, m)
		case <-timeout:
			t.Fatal("exchange channel not closed")
		}
	}
}

func TestConnectRequiresCredential(t *testing.T) {
	d := backendtest.NewDialer()
	opts := testOptions(nil)
	opts.APIKey = ""
	m := New(d, opts)

	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)
	assert.Equal(t, 0, d.Dials())
	assert.Equal(t, Disconnected, m.State())
}

func TestConnect(t *testing.T) {
	d := backendtest.NewDialer()
	m := New(d, testOptions(nil))

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, 1, d.Dials())
	assert.Equal(t, 1, d.Pings())

	st := m.Stats()
	assert.NotEmpty(t, st.SessionID)
	assert.False(t, st.ConnectedSince.IsZero())
}

func TestConnectBacksOffExponentially(t *testing.T) {
	var waits []time.Duration
	d := backendtest.NewDialer()
	d.FailPings(backend.ErrTransport, backend.ErrTransport, backend.ErrInternal)
	m := New(d, testOptions(&waits))

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, waits)
	assert.Equal(t, 4, d.Dials())
	assert.Equal(t, 3, d.Closed(), "sessions that failed the health check are closed")
}

func TestConnectAuthIsFatal(t *testing.T) {
	d := backendtest.NewDialer()
	d.FailPings(backend.ErrAuth)
	m := New(d, testOptions(nil))

	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, backend.ErrAuth)
	assert.Equal(t, 1, d.Dials())
	assert.Equal(t, Disconnected, m.State())
}

func TestConnectExhausted(t *testing.T) {
	d := backendtest.NewDialer()
	boom := errors.New("connection refused")
	d.FailDials(boom, boom, boom)
	opts := testOptions(nil)
	opts.ConnectAttempts = 3
	m := New(d, opts)

	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, d.Dials())
	assert.Equal(t, Disconnected, m.State())
}

func TestConnectKillsStaleLocalBackend(t *testing.T) {
	d := backendtest.NewDialer()
	d.FailPings(backend.ErrTransport, backend.ErrTransport)

	killer := &fakeKiller{listening: true, pids: []int{4242}}
	opts := testOptions(nil)
	opts.URL = "http://127.0.0.1:8080/v1"
	opts.ConnectAttempts = 4
	opts.KillStale = true
	opts.stale = killer
	m := New(d, opts)

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, []int{4242}, killer.killed, "killed once, after half the attempts failed")
}

func TestConnectDoesNotKillRemoteBackend(t *testing.T) {
	d := backendtest.NewDialer()
	d.FailPings(backend.ErrTransport, backend.ErrTransport)

	killer := &fakeKiller{listening: true, pids: []int{4242}}
	opts := testOptions(nil)
	opts.ConnectAttempts = 4
	opts.KillStale = true
	opts.stale = killer
	m := New(d, opts)

	require.NoError(t, m.Connect(context.Background()))
	assert.Empty(t, killer.killed)
}

func TestExchangeCountsOutcomes(t *testing.T) {
	d := backendtest.NewDialer(
		backendtest.Text("<p>一</p>"),
		backendtest.Fail(backend.ErrInternal),
	)
	m := New(d, testOptions(nil))
	ctx := context.Background()

	// Exchange connects lazily.
	ch, err := m.Exchange(ctx, "first")
	require.NoError(t, err)
	msgs := collect(t, ch)
	require.Len(t, msgs, 2)
	assert.Equal(t, backend.KindFinish, msgs[1].Kind)
	assert.Equal(t, Connected, m.State())

	ch, err = m.Exchange(ctx, "second")
	require.NoError(t, err)
	msgs = collect(t, ch)
	require.Len(t, msgs, 1)
	assert.ErrorIs(t, msgs[0].Err, backend.ErrInternal)
	assert.Equal(t, Degraded, m.State())

	st := m.Stats()
	assert.Equal(t, 2, st.TotalRequests)
	assert.Equal(t, 1, st.Successful)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, []string{"first", "second"}, d.Prompts())
}

func TestExchangeSendError(t *testing.T) {
	d := backendtest.NewDialer(backendtest.Reply{SendErr: backend.ErrTransport})
	m := New(d, testOptions(nil))
	require.NoError(t, m.Connect(context.Background()))

	_, err := m.Exchange(context.Background(), "x")
	assert.ErrorIs(t, err, backend.ErrTransport)
	assert.Equal(t, Degraded, m.State())
	assert.Equal(t, 1, m.Stats().Failed)
}

func TestExchangeAbandoned(t *testing.T) {
	d := backendtest.NewDialer(backendtest.Stall("<p>途中"))
	m := New(d, testOptions(nil))
	require.NoError(t, m.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := m.Exchange(ctx, "x")
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, backend.KindChunk, first.Kind)
	cancel()
	collect(t, ch)

	assert.Eventually(t, func() bool { return m.Stats().Failed == 1 }, time.Second, 10*time.Millisecond)
}

func TestReconnectAndReset(t *testing.T) {
	d := backendtest.NewDialer()
	m := New(d, testOptions(nil))
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))
	firstID := m.Stats().SessionID

	require.NoError(t, m.Reconnect(ctx))
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, 2, d.Dials())
	assert.Equal(t, 1, d.Closed(), "previous session closed on reconnect")

	require.NoError(t, m.ResetSession(ctx))
	st := m.Stats()
	assert.Equal(t, 1, st.Reconnections)
	assert.Equal(t, 1, st.Resets)
	assert.NotEqual(t, firstID, st.SessionID)

	require.NoError(t, m.Close())
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, 3, d.Closed())
}

func TestReconnectFailureLeavesDisconnected(t *testing.T) {
	d := backendtest.NewDialer()
	m := New(d, testOptions(nil))
	require.NoError(t, m.Connect(context.Background()))

	d.FailPings(backend.ErrAuth)
	err := m.Reconnect(context.Background())
	assert.ErrorIs(t, err, backend.ErrAuth)
	assert.Equal(t, Disconnected, m.State())
}

func TestRateLimiter(t *testing.T) {
	d := backendtest.NewDialer(backendtest.Text("a"))
	opts := testOptions(nil)
	opts.RequestsPerMinute = 60
	m := New(d, opts)
	require.NotNil(t, m.limiter)

	// The first request uses the burst token.
	ch, err := m.Exchange(context.Background(), "x")
	require.NoError(t, err)
	collect(t, ch)

	// The second has to wait a second; a cancelled context gives up.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.Exchange(ctx, "y")
	assert.Error(t, err)
	assert.Equal(t, 1, m.Stats().TotalRequests)
}

func TestLoopbackAddr(t *testing.T) {
	cases := []struct {
		url      string
		addr     string
		port     string
		loopback bool
	}{
		{"http://127.0.0.1:8080/v1", "127.0.0.1:8080", "8080", true},
		{"http://localhost:1234", "localhost:1234", "1234", true},
		{"http://[::1]:9000/v1", "[::1]:9000", "9000", true},
		{"http://localhost/v1", "localhost:80", "80", true},
		{"https://api.example.com/v1", "", "", false},
		{"http://192.168.1.10:8080", "", "", false},
		{"::not a url", "", "", false},
	}
	for _, tc := range cases {
		addr, port, ok := loopbackAddr(tc.url)
		assert.Equal(t, tc.loopback, ok, tc.url)
		assert.Equal(t, tc.addr, addr, tc.url)
		assert.Equal(t, tc.port, port, tc.url)
	}
}

func TestParsePIDs(t *testing.T) {
	assert.Equal(t, []int{12, 34}, parsePIDs("12\n34\n12\nabc\n"))
	assert.Empty(t, parsePIDs(""))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "degraded", Degraded.String())
	assert.Equal(t, "state(42)", State(42).String())
}
