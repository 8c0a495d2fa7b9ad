// File: internal/monitor/monitor.go
// Package monitor observes the autonomous research task running inside the
// primary page and classifies it as idle, working or completed without any
// cooperation from the page itself.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserbridge/api/schemas"
	"github.com/xkilldash9x/browserbridge/internal/observability"
	"github.com/xkilldash9x/browserbridge/internal/surface"
)

// settleDelay lets lazy-rendered content land after scrolling to the
// bottom before the result blocks are collected.
const settleDelay = 300 * time.Millisecond

// Evaluator is the slice of the connection manager the monitor needs.
type Evaluator interface {
	SafeEvaluate(ctx context.Context, expr string, out any) error
}

// RoleLister provides the fresh role view used to report where the task is
// browsing.
type RoleLister interface {
	ListByRole(ctx context.Context) (*schemas.ContextsByRole, error)
}

// Monitor samples and interprets the research surface.
type Monitor struct {
	eval    Evaluator
	roles   RoleLister
	profile *surface.Profile
	logger  *zap.Logger

	mu       sync.Mutex
	baseline *schemas.Baseline
}

// New builds a monitor over the evaluation channel and role lister.
func New(eval Evaluator, roles RoleLister, profile *surface.Profile) *Monitor {
	return &Monitor{
		eval:    eval,
		roles:   roles,
		profile: profile,
		logger:  observability.GetLogger().Named("monitor"),
	}
}

// signalsPayload mirrors the JSON produced by the profile's signals script.
type signalsPayload struct {
	HasActiveStopControl bool   `json:"hasActiveStopControl"`
	HasSpinner           bool   `json:"hasSpinner"`
	HasStepsCompleted    bool   `json:"hasStepsCompleted"`
	HasSourcesReviewed   bool   `json:"hasSourcesReviewed"`
	HasFollowUpPrompt    bool   `json:"hasFollowUpPrompt"`
	BodyText             string `json:"bodyText"`
	RichBlockCount       int    `json:"richBlockCount"`
	LastBlockText        string `json:"lastBlockText"`
}

// CollectSignals gathers one observation of the primary page. The
// agent-browsing URL is best effort: a failed role listing leaves it empty
// rather than failing the sample.
func (m *Monitor) CollectSignals(ctx context.Context) (schemas.PageSignals, error) {
	var raw string
	if err := m.eval.SafeEvaluate(ctx, m.profile.SignalsJS, &raw); err != nil {
		return schemas.PageSignals{}, fmt.Errorf("failed to collect page signals: %w", err)
	}
	var payload signalsPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return schemas.PageSignals{}, fmt.Errorf("failed to decode page signals: %w", err)
	}

	sig := schemas.PageSignals{
		HasActiveStopControl: payload.HasActiveStopControl,
		HasSpinner:           payload.HasSpinner,
		HasStepsCompleted:    payload.HasStepsCompleted,
		HasSourcesReviewed:   payload.HasSourcesReviewed,
		HasFollowUpPrompt:    payload.HasFollowUpPrompt,
		BodyText:             payload.BodyText,
		RichBlockCount:       payload.RichBlockCount,
		LastBlockText:        payload.LastBlockText,
	}
	if m.roles != nil {
		if byRole, err := m.roles.ListByRole(ctx); err == nil && byRole.AgentBrowsing != nil {
			sig.AgentBrowsingURL = byRole.AgentBrowsing.URL
		} else if err != nil {
			m.logger.Debug("Role listing unavailable for this sample", zap.Error(err))
		}
	}
	return sig, nil
}

// Snapshot produces one progress report. The final result text is only
// extracted when the task classified as completed; extraction scrolls the
// page, which is pointless and disruptive mid-task.
func (m *Monitor) Snapshot(ctx context.Context) (*schemas.ProgressSnapshot, error) {
	sig, err := m.CollectSignals(ctx)
	if err != nil {
		return nil, err
	}

	snap := &schemas.ProgressSnapshot{
		Status:               Classify(sig, m.profile),
		Steps:                ExtractSteps(sig.BodyText),
		HasActiveStopControl: sig.HasActiveStopControl,
		AgentBrowsingURL:     sig.AgentBrowsingURL,
	}
	if len(snap.Steps) > 0 {
		snap.CurrentStep = snap.Steps[len(snap.Steps)-1]
	}
	if snap.Status == schemas.StatusCompleted {
		response, err := m.ExtractResult(ctx)
		if err != nil {
			m.logger.Warn("Result extraction failed", zap.Error(err))
		} else {
			snap.Response = response
		}
	}
	return snap, nil
}

// ExtractResult collects the answer from the page: scroll to the bottom,
// give lazy content a moment, gather rich blocks, then filter them down.
func (m *Monitor) ExtractResult(ctx context.Context) (string, error) {
	if err := m.eval.SafeEvaluate(ctx, m.profile.ScrollBottomJS, nil); err != nil {
		return "", fmt.Errorf("failed to scroll for extraction: %w", err)
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(settleDelay):
	}

	var raw string
	if err := m.eval.SafeEvaluate(ctx, m.profile.RichBlocksJS, &raw); err != nil {
		return "", fmt.Errorf("failed to collect result blocks: %w", err)
	}
	var blocks []string
	if err := json.Unmarshal([]byte(raw), &blocks); err != nil {
		return "", fmt.Errorf("failed to decode result blocks: %w", err)
	}
	return CleanResult(blocks, m.profile), nil
}

// CaptureBaseline records the response area's current shape. ask calls it
// right before submitting so stale completed content from the previous
// turn is never mistaken for the new answer.
func (m *Monitor) CaptureBaseline(ctx context.Context) error {
	sig, err := m.CollectSignals(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.baseline = &schemas.Baseline{
		RichBlockCount: sig.RichBlockCount,
		LastBlockText:  sig.LastBlockText,
	}
	m.mu.Unlock()
	return nil
}

// Fresh reports whether the observation differs from the captured baseline.
func (m *Monitor) Fresh(sig schemas.PageSignals) bool {
	m.mu.Lock()
	baseline := m.baseline
	m.mu.Unlock()
	return IsFresh(baseline, sig)
}

// Stop tries to interrupt the running task: the labeled cancel control
// first, then the square stop icon some layouts use instead. The return
// value reports whether a control was clicked, not whether the task
// actually stopped; the page gives no acknowledgment.
func (m *Monitor) Stop(ctx context.Context) (bool, error) {
	var clicked bool
	if err := m.eval.SafeEvaluate(ctx, m.profile.StopCancelJS, &clicked); err != nil {
		return false, fmt.Errorf("failed to click stop control: %w", err)
	}
	if clicked {
		return true, nil
	}
	if err := m.eval.SafeEvaluate(ctx, m.profile.StopIconJS, &clicked); err != nil {
		return false, fmt.Errorf("failed to click stop icon: %w", err)
	}
	return clicked, nil
}

// ProbeLogin estimates whether the research surface has an authenticated
// session.
func (m *Monitor) ProbeLogin(ctx context.Context) (schemas.LoginState, error) {
	var hasAccount bool
	if err := m.eval.SafeEvaluate(ctx, m.profile.AccountPresentJS, &hasAccount); err != nil {
		return schemas.LoggedOut, fmt.Errorf("failed to probe account affordance: %w", err)
	}
	sig, err := m.CollectSignals(ctx)
	if err != nil {
		return schemas.LoggedOut, err
	}
	return ClassifyLogin(sig.BodyText, hasAccount, m.profile), nil
}
