// File: internal/connection/manager_test.go
package connection

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xkilldash9x/browserbridge/internal/registry"
	"github.com/xkilldash9x/browserbridge/internal/surface"
	"github.com/xkilldash9x/browserbridge/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubTransport serves canned responses keyed by path prefix.
type stubTransport struct {
	mu        sync.Mutex
	responses map[string]*transport.Response
}

func (s *stubTransport) Request(_ context.Context, _, path string) *transport.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	for prefix, r := range s.responses {
		if strings.HasPrefix(path, prefix) {
			return r
		}
	}
	return &transport.Response{OK: false}
}

func (s *stubTransport) ProbeReachable(context.Context) error                  { return nil }
func (s *stubTransport) SpawnProcess(context.Context, string, []string) error { return nil }

func (s *stubTransport) set(prefix string, r *transport.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[prefix] = r
}

// fakeChannel scripts Evaluate behavior and records lifecycle events.
type fakeChannel struct {
	id       string
	targetID string

	mu        sync.Mutex
	closed    bool
	evalFunc  func(expr string, out any) error
	navigated []navCall
}

type navCall struct {
	url  string
	wait bool
}

func (f *fakeChannel) ID() string       { return f.id }
func (f *fakeChannel) TargetID() string { return f.targetID }

func (f *fakeChannel) Evaluate(_ context.Context, expr string, out any) error {
	f.mu.Lock()
	fn := f.evalFunc
	f.mu.Unlock()
	if fn == nil {
		return healthyEval(expr, out)
	}
	return fn(expr, out)
}

// healthyEval answers the health probe and ignores everything else.
func healthyEval(expr string, out any) error {
	if expr == "1+1" {
		if p, ok := out.(*int); ok {
			*p = 2
		}
	}
	return nil
}

func (f *fakeChannel) Navigate(_ context.Context, url string, waitForLoad bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigated = append(f.navigated, navCall{url: url, wait: waitForLoad})
	return nil
}
func (f *fakeChannel) Screenshot(context.Context, int) ([]byte, error) { return []byte("jpeg"), nil }
func (f *fakeChannel) PressKey(context.Context, string) error          { return nil }
func (f *fakeChannel) InsertText(context.Context, string) error        { return nil }

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeDialer hands out fakeChannels and remembers them in order.
type fakeDialer struct {
	mu       sync.Mutex
	channels []*fakeChannel
	dialErr  error
	evalFunc func(expr string, out any) error
}

func (d *fakeDialer) Dial(_ context.Context, _, targetID string) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	ch := &fakeChannel{id: "ch-" + targetID, targetID: targetID, evalFunc: d.evalFunc}
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels)
}

func (d *fakeDialer) channelAt(i int) *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[i]
}

type fakeStarter struct {
	err   error
	calls int
}

func (f *fakeStarter) EnsureRunning(context.Context) error {
	f.calls++
	return f.err
}

func newTestManager(t *testing.T) (*Manager, *stubTransport, *fakeDialer, *fakeStarter) {
	t.Helper()
	tr := &stubTransport{responses: map[string]*transport.Response{
		"/json/version": {OK: true, Status: 200,
			Body: `{"Browser":"Comet/1.0","webSocketDebuggerUrl":"ws://127.0.0.1:9223/devtools/browser/abc"}`},
		"/json/list": {OK: true, Status: 200,
			Body: `[{"id":"t1","type":"page","url":"https://www.perplexity.ai/search/x"}]`},
	}}
	dialer := &fakeDialer{}
	starter := &fakeStarter{}
	m := NewManager(tr, registry.New(tr, surface.Default()), starter, surface.Default(), dialer)
	m.bo = backoff.NewConstantBackOff(time.Millisecond)
	return m, tr, dialer, starter
}

func TestConnect(t *testing.T) {
	t.Run("TeardownPrecedesEstablishment", func(t *testing.T) {
		m, _, dialer, _ := newTestManager(t)

		require.NoError(t, m.Connect(context.Background(), "t1"))
		require.NoError(t, m.Connect(context.Background(), "t2"))

		require.Equal(t, 2, dialer.dialCount())
		assert.True(t, dialer.channelAt(0).isClosed(), "first channel must be closed before the second attach")
		assert.False(t, dialer.channelAt(1).isClosed())
		assert.Equal(t, "t2", m.TargetID())
	})

	t.Run("MetadataEndpointDownFailsConnect", func(t *testing.T) {
		m, tr, dialer, _ := newTestManager(t)
		tr.set("/json/version", &transport.Response{OK: false, Body: "refused"})

		err := m.Connect(context.Background(), "t1")
		require.Error(t, err)
		assert.Zero(t, dialer.dialCount())
	})

	t.Run("AdvisoryStepFailureDoesNotFailConnect", func(t *testing.T) {
		m, _, dialer, _ := newTestManager(t)
		dialer.evalFunc = func(expr string, out any) error {
			if strings.Contains(expr, "__bridge_badge") {
				return errors.New("Content Security Policy violation")
			}
			return healthyEval(expr, out)
		}

		assert.NoError(t, m.Connect(context.Background(), "t1"))
	})
}

func TestIsHealthy(t *testing.T) {
	t.Run("HealthyChannel", func(t *testing.T) {
		m, _, _, _ := newTestManager(t)
		require.NoError(t, m.Connect(context.Background(), "t1"))
		assert.True(t, m.IsHealthy(context.Background()))
	})

	t.Run("NoChannel", func(t *testing.T) {
		m, _, _, _ := newTestManager(t)
		assert.False(t, m.IsHealthy(context.Background()))
	})

	t.Run("FailureClearsConnectedState", func(t *testing.T) {
		m, _, dialer, _ := newTestManager(t)
		require.NoError(t, m.Connect(context.Background(), "t1"))

		dialer.channelAt(0).evalFunc = func(string, any) error {
			return errors.New("Session closed.")
		}
		assert.False(t, m.IsHealthy(context.Background()))

		// The stale channel is gone; plain operations now fail fast.
		err := m.Evaluate(context.Background(), "1", nil)
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}

func TestReconnectTargetSelection(t *testing.T) {
	t.Run("ReattachesLastTargetWhenStillListed", func(t *testing.T) {
		m, tr, dialer, _ := newTestManager(t)
		tr.set("/json/list", &transport.Response{OK: true, Status: 200, Body: `[
			{"id":"t9","type":"page","url":"https://www.perplexity.ai"},
			{"id":"t1","type":"page","url":"https://example.com/article"}]`})
		require.NoError(t, m.Connect(context.Background(), "t1"))

		require.NoError(t, m.Reconnect(context.Background()))
		assert.Equal(t, "t1", dialer.channelAt(dialer.dialCount()-1).TargetID())
	})

	t.Run("FallsBackToPrimary", func(t *testing.T) {
		m, tr, dialer, _ := newTestManager(t)
		require.NoError(t, m.Connect(context.Background(), "gone"))
		tr.set("/json/list", &transport.Response{OK: true, Status: 200, Body: `[
			{"id":"p1","type":"page","url":"https://www.perplexity.ai/search/y"}]`})

		require.NoError(t, m.Reconnect(context.Background()))
		assert.Equal(t, "p1", dialer.channelAt(dialer.dialCount()-1).TargetID())
	})

	t.Run("FallsBackToAnyNonBlankPage", func(t *testing.T) {
		m, tr, dialer, _ := newTestManager(t)
		tr.set("/json/list", &transport.Response{OK: true, Status: 200, Body: `[
			{"id":"b1","type":"page","url":"about:blank"},
			{"id":"w1","type":"page","url":"https://en.wikipedia.org/wiki/Go"}]`})

		require.NoError(t, m.Reconnect(context.Background()))
		assert.Equal(t, "w1", dialer.channelAt(dialer.dialCount()-1).TargetID())
	})

	t.Run("NoTargetsAtAll", func(t *testing.T) {
		m, tr, _, _ := newTestManager(t)
		tr.set("/json/list", &transport.Response{OK: true, Status: 200, Body: `[]`})

		err := m.Reconnect(context.Background())
		assert.ErrorIs(t, err, ErrNoSuitableTarget)
	})

	t.Run("StartsBrowserFirst", func(t *testing.T) {
		m, _, _, starter := newTestManager(t)
		require.NoError(t, m.Reconnect(context.Background()))
		assert.Equal(t, 1, starter.calls)
	})
}

func TestWithAutoReconnect(t *testing.T) {
	t.Run("RecoversFromSessionClosedWithOneReconnect", func(t *testing.T) {
		m, _, dialer, _ := newTestManager(t)
		require.NoError(t, m.Connect(context.Background(), "t1"))
		dialsBefore := dialer.dialCount()

		calls := 0
		err := m.WithAutoReconnect(context.Background(), func(context.Context) error {
			calls++
			if calls == 1 {
				return errors.New("Session closed. Most likely the page has been closed.")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 2, calls, "exactly one retry after the reconnect")
		assert.Equal(t, dialsBefore+1, dialer.dialCount(), "exactly one reconnect")
	})

	t.Run("NonConnectionErrorsAreNotRetried", func(t *testing.T) {
		m, _, dialer, _ := newTestManager(t)
		require.NoError(t, m.Connect(context.Background(), "t1"))
		dialsBefore := dialer.dialCount()

		opErr := errors.New("ReferenceError: foo is not defined")
		err := m.WithAutoReconnect(context.Background(), func(context.Context) error {
			return opErr
		})

		assert.ErrorIs(t, err, opErr)
		assert.Equal(t, dialsBefore, dialer.dialCount())
	})

	t.Run("RetryBudgetBoundsTheStreak", func(t *testing.T) {
		m, _, dialer, _ := newTestManager(t)
		require.NoError(t, m.Connect(context.Background(), "t1"))
		dialsBefore := dialer.dialCount()

		err := m.WithAutoReconnect(context.Background(), func(context.Context) error {
			return errors.New("target closed")
		})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "giving up after 3 reconnect attempts")
		assert.Equal(t, dialsBefore+maxReconnectAttempts, dialer.dialCount())
	})

	t.Run("SuccessResetsTheStreak", func(t *testing.T) {
		m, _, _, _ := newTestManager(t)
		require.NoError(t, m.Connect(context.Background(), "t1"))

		failing := 0
		err := m.WithAutoReconnect(context.Background(), func(context.Context) error {
			failing++
			if failing <= 2 {
				return errors.New("websocket: close 1006 (abnormal closure)")
			}
			return nil
		})
		require.NoError(t, err)

		m.mu.Lock()
		streak := m.failureStreak
		m.mu.Unlock()
		assert.Zero(t, streak)

		// A later streak gets the full budget again.
		err = m.WithAutoReconnect(context.Background(), func(context.Context) error {
			return errors.New("target closed")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "giving up after 3 reconnect attempts")
	})
}

func TestEnsureHealthy(t *testing.T) {
	t.Run("HealthyIsANoOp", func(t *testing.T) {
		m, _, dialer, starter := newTestManager(t)
		require.NoError(t, m.Connect(context.Background(), "t1"))
		dialsBefore := dialer.dialCount()

		require.NoError(t, m.EnsureHealthy(context.Background()))
		assert.Equal(t, dialsBefore, dialer.dialCount())
		assert.Zero(t, starter.calls)
	})

	t.Run("ReconnectsWhenUnhealthy", func(t *testing.T) {
		m, _, dialer, _ := newTestManager(t)
		require.NoError(t, m.EnsureHealthy(context.Background()))
		assert.Equal(t, 1, dialer.dialCount())
		assert.True(t, m.IsHealthy(context.Background()))
	})

	t.Run("UnreachableBoundaryIsNeverRetried", func(t *testing.T) {
		m, _, _, starter := newTestManager(t)
		starter.err = transport.ErrHostUnreachable

		err := m.EnsureHealthy(context.Background())
		assert.ErrorIs(t, err, transport.ErrHostUnreachable)
		assert.Equal(t, 1, starter.calls, "no restart escalation for an environment problem")
	})
}

func TestPassthroughsRequireAChannel(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	assert.ErrorIs(t, m.Navigate(ctx, "https://example.com", true), ErrNotConnected)
	assert.ErrorIs(t, m.PressKey(ctx, "\r"), ErrNotConnected)
	assert.ErrorIs(t, m.InsertText(ctx, "hello"), ErrNotConnected)
	_, err := m.Screenshot(ctx, 80)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestNavigatePlumbsWaitForLoad(t *testing.T) {
	m, _, dialer, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, "t1"))

	require.NoError(t, m.Navigate(ctx, "https://www.perplexity.ai", true))
	require.NoError(t, m.Navigate(ctx, "https://www.perplexity.ai/search/y", false))

	ch := dialer.channelAt(0)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	require.Len(t, ch.navigated, 2)
	assert.True(t, ch.navigated[0].wait)
	assert.False(t, ch.navigated[1].wait)
}

func TestContextEndpoints(t *testing.T) {
	t.Run("NewContext", func(t *testing.T) {
		m, tr, _, _ := newTestManager(t)
		tr.set("/json/new", &transport.Response{OK: true, Status: 200,
			Body: `{"id":"n1","type":"page","url":"https://www.perplexity.ai"}`})

		c, err := m.NewContext(context.Background(), "https://www.perplexity.ai")
		require.NoError(t, err)
		assert.Equal(t, "n1", c.ID)
	})

	t.Run("CloseContextTearsDownOwnChannel", func(t *testing.T) {
		m, tr, dialer, _ := newTestManager(t)
		require.NoError(t, m.Connect(context.Background(), "t1"))
		tr.set("/json/close", &transport.Response{OK: true, Status: 200, Body: "Target is closing"})

		require.NoError(t, m.CloseContext(context.Background(), "t1"))
		assert.True(t, dialer.channelAt(0).isClosed())
		assert.Equal(t, "", m.TargetID())
	})
}
