// File: internal/connection/manager.go
// Package connection owns the single live CDP attachment to the controlled
// browser and keeps it usable across renderer crashes, tab churn and
// browser restarts.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/browserbridge/api/schemas"
	"github.com/xkilldash9x/browserbridge/internal/observability"
	"github.com/xkilldash9x/browserbridge/internal/registry"
	"github.com/xkilldash9x/browserbridge/internal/surface"
	"github.com/xkilldash9x/browserbridge/internal/transport"
)

// ErrNotConnected is returned by operations that need a live channel when
// none exists.
var ErrNotConnected = errors.New("not connected to a browser context; run connect first")

// ErrNoSuitableTarget means reconnection found the browser up but no page
// worth attaching to.
var ErrNoSuitableTarget = errors.New("no suitable page target to attach to")

const (
	healthCheckTimeout   = 3 * time.Second
	maxReconnectAttempts = 3
	backoffInitial       = 500 * time.Millisecond
	backoffMax           = 8 * time.Second
)

// connectionLossIndicators are error-text fragments that mean the channel
// itself died, as opposed to an operation failing on a healthy channel.
// Only these trigger automatic reconnection.
var connectionLossIndicators = []string{
	"session closed",
	"target closed",
	"target crashed",
	"connection closed",
	"websocket",
	"broken pipe",
	"connection reset",
	"no such target",
	"detached",
}

// IsConnectionLoss classifies an error against the indicator list.
func IsConnectionLoss(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, ind := range connectionLossIndicators {
		if strings.Contains(msg, ind) {
			return true
		}
	}
	return false
}

// Starter is the slice of the launcher the manager needs.
type Starter interface {
	EnsureRunning(ctx context.Context) error
}

// Manager maintains at most one Channel and the addressing state needed to
// rebuild it.
type Manager struct {
	transport transport.Transport
	registry  *registry.Registry
	starter   Starter
	profile   *surface.Profile
	dialer    Dialer
	logger    *zap.Logger

	group singleflight.Group

	mu            sync.Mutex
	channel       Channel
	lastTargetID  string
	failureStreak int
	bo            backoff.BackOff
}

// NewManager wires the manager over its collaborators.
func NewManager(tr transport.Transport, reg *registry.Registry, starter Starter, profile *surface.Profile, dialer Dialer) *Manager {
	return &Manager{
		transport: tr,
		registry:  reg,
		starter:   starter,
		profile:   profile,
		dialer:    dialer,
		logger:    observability.GetLogger().Named("connection"),
		bo:        newReconnectBackoff(),
	}
}

func newReconnectBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffInitial
	bo.Multiplier = 2
	bo.MaxInterval = backoffMax
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Connect attaches to the given target, tearing down any previous channel
// first. Two live attachments to one browser cause CDP session conflicts,
// so teardown always precedes establishment.
func (m *Manager) Connect(ctx context.Context, targetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx, targetID)
}

func (m *Manager) connectLocked(ctx context.Context, targetID string) error {
	m.closeLocked()

	wsURL, err := m.browserWebSocketURL(ctx)
	if err != nil {
		return err
	}
	ch, err := m.dialer.Dial(ctx, wsURL, targetID)
	if err != nil {
		return fmt.Errorf("failed to connect to target %s: %w", targetID, err)
	}
	m.channel = ch
	m.lastTargetID = targetID
	m.logger.Info("Connected to browser context",
		zap.String("target_id", targetID),
		zap.String("channel_id", ch.ID()),
	)

	m.runAdvisorySteps(ctx, ch)
	return nil
}

// runAdvisorySteps performs cosmetic post-connect setup. Failures are
// logged and swallowed: the connection is functional without them.
func (m *Manager) runAdvisorySteps(ctx context.Context, ch Channel) {
	if n, ok := ch.(interface{ NormalizeWindow(context.Context) error }); ok {
		if err := n.NormalizeWindow(ctx); err != nil {
			m.logger.Debug("Window normalization skipped", zap.Error(err))
		}
	}
	if err := ch.Evaluate(ctx, m.profile.BadgeInjectJS, nil); err != nil {
		m.logger.Debug("Badge injection skipped", zap.Error(err))
	}
}

// browserWebSocketURL fetches the browser-level websocket endpoint from
// the metadata endpoint.
func (m *Manager) browserWebSocketURL(ctx context.Context) (string, error) {
	resp := m.transport.Request(ctx, http.MethodGet, "/json/version")
	if !resp.OK {
		return "", fmt.Errorf("browser metadata endpoint unavailable (status %d): %s", resp.Status, resp.Body)
	}
	var info schemas.VersionInfo
	if err := json.Unmarshal([]byte(resp.Body), &info); err != nil {
		return "", fmt.Errorf("failed to decode browser metadata: %w", err)
	}
	if info.WebSocketDebuggerURL == "" {
		return "", errors.New("browser metadata carries no websocket debugger URL")
	}
	return info.WebSocketDebuggerURL, nil
}

// IsHealthy verifies the channel end to end with a trivial evaluation
// under its own short timeout. Any failure clears the connected state so
// later callers see a consistent picture.
func (m *Manager) IsHealthy(ctx context.Context) bool {
	m.mu.Lock()
	ch := m.channel
	m.mu.Unlock()
	if ch == nil {
		return false
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	var result int
	if err := ch.Evaluate(checkCtx, "1+1", &result); err != nil || result != 2 {
		m.logger.Warn("Health check failed", zap.Error(err), zap.Int("result", result))
		m.mu.Lock()
		if m.channel == ch {
			m.closeLocked()
		}
		m.mu.Unlock()
		return false
	}
	return true
}

// EnsureHealthy escalates until a usable channel exists: health check,
// then reconnect, then browser restart plus reconnect. A failure after
// restart is fatal and names both causes.
func (m *Manager) EnsureHealthy(ctx context.Context) error {
	if m.IsHealthy(ctx) {
		return nil
	}
	reconnectErr := m.Reconnect(ctx)
	if reconnectErr == nil {
		return nil
	}
	if errors.Is(reconnectErr, transport.ErrHostUnreachable) {
		// Environment problem, not a process problem. Restarting the
		// browser cannot help.
		return reconnectErr
	}

	m.logger.Warn("Reconnect failed, restarting browser", zap.Error(reconnectErr))
	if err := m.starter.EnsureRunning(ctx); err != nil {
		return fmt.Errorf("connection is unrecoverable: reconnect failed (%v) and browser restart failed: %w", reconnectErr, err)
	}
	if err := m.Reconnect(ctx); err != nil {
		return fmt.Errorf("connection is unrecoverable: reconnect failed (%v) and post-restart attach failed: %w", reconnectErr, err)
	}
	return nil
}

// Reconnect rebuilds the channel. Concurrent callers coalesce onto one
// in-flight attempt instead of racing duplicate dials.
func (m *Manager) Reconnect(ctx context.Context) error {
	_, err, _ := m.group.Do("reconnect", func() (any, error) {
		return nil, m.reconnect(ctx)
	})
	return err
}

func (m *Manager) reconnect(ctx context.Context) error {
	m.mu.Lock()
	m.closeLocked()
	lastTargetID := m.lastTargetID
	m.mu.Unlock()

	if err := m.starter.EnsureRunning(ctx); err != nil {
		return fmt.Errorf("browser is not available for reconnection: %w", err)
	}

	targetID, err := m.pickReconnectTarget(ctx, lastTargetID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx, targetID)
}

// pickReconnectTarget prefers the previously attached page when it still
// exists, then the primary research page, then any non-blank page.
func (m *Manager) pickReconnectTarget(ctx context.Context, lastTargetID string) (string, error) {
	contexts, err := m.registry.ListContexts(ctx)
	if err != nil {
		return "", err
	}
	if lastTargetID != "" {
		for _, c := range contexts {
			if c.ID == lastTargetID && c.IsPage() {
				return lastTargetID, nil
			}
		}
	}
	byRole := registry.Classify(contexts, m.profile)
	if byRole.Primary != nil {
		return byRole.Primary.ID, nil
	}
	for _, c := range contexts {
		if c.IsPage() && c.URL != "" && c.URL != "about:blank" {
			return c.ID, nil
		}
	}
	return "", ErrNoSuitableTarget
}

// WithAutoReconnect runs op and, when it fails with a connection-loss
// error, reconnects and retries it exactly once per reconnection. The
// failure streak is bounded by maxReconnectAttempts; any success resets
// both the streak and the backoff schedule.
func (m *Manager) WithAutoReconnect(ctx context.Context, op func(ctx context.Context) error) error {
	err := op(ctx)
	for err != nil && IsConnectionLoss(err) {
		m.mu.Lock()
		if m.failureStreak >= maxReconnectAttempts {
			streak := m.failureStreak
			m.mu.Unlock()
			return fmt.Errorf("giving up after %d reconnect attempts: %w", streak, err)
		}
		m.failureStreak++
		wait := m.bo.NextBackOff()
		m.mu.Unlock()

		m.logger.Warn("Connection lost, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", wait),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		if rerr := m.Reconnect(ctx); rerr != nil {
			return fmt.Errorf("operation failed (%v) and reconnect failed: %w", err, rerr)
		}
		err = op(ctx)
	}

	if err == nil {
		m.mu.Lock()
		m.failureStreak = 0
		m.bo.Reset()
		m.mu.Unlock()
	}
	return err
}

// SafeEvaluate is the everything-handled evaluation path: verify or
// rebuild the connection, run the expression, self-heal on channel loss.
func (m *Manager) SafeEvaluate(ctx context.Context, expr string, out any) error {
	if err := m.EnsureHealthy(ctx); err != nil {
		return err
	}
	return m.WithAutoReconnect(ctx, func(ctx context.Context) error {
		return m.Evaluate(ctx, expr, out)
	})
}

// Evaluate runs an expression on the current channel.
func (m *Manager) Evaluate(ctx context.Context, expr string, out any) error {
	ch, err := m.currentChannel()
	if err != nil {
		return err
	}
	return ch.Evaluate(ctx, expr, out)
}

// Navigate loads a URL in the attached context. waitForLoad blocks until
// the load event; pass false to fire and return immediately.
func (m *Manager) Navigate(ctx context.Context, url string, waitForLoad bool) error {
	ch, err := m.currentChannel()
	if err != nil {
		return err
	}
	return ch.Navigate(ctx, url, waitForLoad)
}

// Screenshot captures the attached context's viewport.
func (m *Manager) Screenshot(ctx context.Context, quality int) ([]byte, error) {
	ch, err := m.currentChannel()
	if err != nil {
		return nil, err
	}
	return ch.Screenshot(ctx, quality)
}

// PressKey sends a key event to the attached context.
func (m *Manager) PressKey(ctx context.Context, key string) error {
	ch, err := m.currentChannel()
	if err != nil {
		return err
	}
	return ch.PressKey(ctx, key)
}

// InsertText types into the focused element of the attached context.
func (m *Manager) InsertText(ctx context.Context, text string) error {
	ch, err := m.currentChannel()
	if err != nil {
		return err
	}
	return ch.InsertText(ctx, text)
}

// TargetID returns the currently attached target, empty when detached.
func (m *Manager) TargetID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channel == nil {
		return ""
	}
	return m.channel.TargetID()
}

// NewContext opens a new page via the debug endpoint and returns its
// descriptor.
func (m *Manager) NewContext(ctx context.Context, pageURL string) (*schemas.Context, error) {
	path := "/json/new?" + url.QueryEscape(pageURL)
	resp := m.transport.Request(ctx, http.MethodPut, path)
	if !resp.OK {
		return nil, fmt.Errorf("failed to open new context (status %d): %s", resp.Status, resp.Body)
	}
	var c schemas.Context
	if err := json.Unmarshal([]byte(resp.Body), &c); err != nil {
		return nil, fmt.Errorf("failed to decode new context descriptor: %w", err)
	}
	return &c, nil
}

// CloseContext closes a page via the debug endpoint. Closing the attached
// target also tears down the channel.
func (m *Manager) CloseContext(ctx context.Context, targetID string) error {
	resp := m.transport.Request(ctx, http.MethodGet, "/json/close/"+targetID)
	if !resp.OK {
		return fmt.Errorf("failed to close context %s (status %d): %s", targetID, resp.Status, resp.Body)
	}
	m.mu.Lock()
	if m.channel != nil && m.channel.TargetID() == targetID {
		m.closeLocked()
	}
	m.mu.Unlock()
	return nil
}

// Close tears down the channel. The browser stays alive.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
}

func (m *Manager) currentChannel() (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channel == nil {
		return nil, ErrNotConnected
	}
	return m.channel, nil
}

func (m *Manager) closeLocked() {
	if m.channel != nil {
		if err := m.channel.Close(); err != nil {
			m.logger.Debug("Channel close reported an error", zap.Error(err))
		}
		m.channel = nil
	}
}
