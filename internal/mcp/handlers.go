// File: internal/mcp/handlers.go
package mcp

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp/kb"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserbridge/api/schemas"
	"github.com/xkilldash9x/browserbridge/internal/monitor"
)

const (
	// maxScreenshotBase64 bounds the encoded screenshot payload; larger
	// captures are retried at lower JPEG quality.
	maxScreenshotBase64 = 1 << 20

	resetSettleDelay = 500 * time.Millisecond
)

var screenshotQualities = []int{80, 60, 40, 25}

// fail logs a handler failure and folds it into a tool error result.
func (s *Server) fail(action string, err error) *mcp.CallToolResult {
	s.logger.Warn("Tool call failed", zap.String("action", action), zap.Error(err))
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", action, err))
}

func (s *Server) handleConnect(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.starter.EnsureRunning(ctx); err != nil {
		return s.fail("failed to start the research browser", err), nil
	}

	target, err := s.reconcileToOne(ctx)
	if err != nil {
		return s.fail("failed to settle on a research tab", err), nil
	}
	if err := s.conn.Connect(ctx, target.ID); err != nil {
		return s.fail("failed to attach to the research tab", err), nil
	}
	if !s.profile.MatchesPrimary(target.URL) {
		if err := s.conn.Navigate(ctx, s.cfg.Surface.HomeURL, true); err != nil {
			return s.fail("failed to open the research surface", err), nil
		}
	}

	var sb strings.Builder
	sb.WriteString("Connected to the research browser.\n")
	fmt.Fprintf(&sb, "Tab: %s\n", target.ID)

	state, err := s.mon.ProbeLogin(ctx)
	switch {
	case err != nil:
		s.logger.Debug("Login probe failed", zap.Error(err))
		sb.WriteString("Login state: unknown")
	case state == schemas.LoggedIn:
		sb.WriteString("Login state: logged in")
	default:
		sb.WriteString("Login state: logged out. Research quality may be limited; " +
			"ask the user to sign in inside the browser window.")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// reconcileToOne picks the single tab the bridge will drive and closes
// duplicate research tabs. When nothing usable exists it opens a fresh one
// on the home surface.
func (s *Server) reconcileToOne(ctx context.Context) (*schemas.Context, error) {
	byRole, err := s.roles.ListByRole(ctx)
	if err != nil {
		return nil, err
	}

	if byRole.Primary != nil {
		for _, other := range byRole.Others {
			if !s.profile.MatchesPrimary(other.URL) {
				continue
			}
			if err := s.conn.CloseContext(ctx, other.ID); err != nil {
				s.logger.Debug("Could not close duplicate research tab",
					zap.String("target_id", other.ID), zap.Error(err))
			}
		}
		return byRole.Primary, nil
	}

	// No research tab: reuse any ordinary page rather than piling up new
	// ones, falling back to opening the home surface.
	for i := range byRole.Others {
		if byRole.Others[i].URL != "" && byRole.Others[i].URL != "about:blank" {
			return &byRole.Others[i], nil
		}
	}
	if byRole.AgentBrowsing != nil {
		return byRole.AgentBrowsing, nil
	}
	return s.conn.NewContext(ctx, s.cfg.Surface.HomeURL)
}

func (s *Server) handleAsk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawPrompt, err := req.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	prompt := normalizePrompt(rawPrompt)
	if prompt == "" {
		return mcp.NewToolResultError("prompt must not be empty"), nil
	}
	timeout := time.Duration(req.GetFloat("timeout_seconds", s.cfg.Ask.DefaultTimeout.Seconds()) * float64(time.Second))
	newChat := req.GetBool("new_chat", false)

	if err := s.conn.EnsureHealthy(ctx); err != nil {
		return s.fail("no usable browser connection", err), nil
	}
	if newChat {
		s.resetConversation(ctx)
	}
	if err := s.mon.CaptureBaseline(ctx); err != nil {
		s.logger.Debug("Baseline capture failed, freshness falls back to any content", zap.Error(err))
	}
	if err := s.submitPrompt(ctx, prompt); err != nil {
		return s.fail("failed to submit the prompt", err), nil
	}
	s.logger.Info("Prompt submitted",
		zap.Int("prompt_len", len(prompt)),
		zap.Duration("timeout", timeout),
	)

	return s.awaitCompletion(ctx, timeout)
}

// awaitCompletion polls the page until the task is done with a response
// newer than the baseline, or the deadline passes.
func (s *Server) awaitCompletion(ctx context.Context, timeout time.Duration) (*mcp.CallToolResult, error) {
	// The deadline gets its own timer so a timeout shorter than the poll
	// interval still returns at the caller's bound instead of after the
	// first full tick.
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.Ask.PollInterval)
	defer ticker.Stop()

	var lastSig schemas.PageSignals
	for {
		select {
		case <-ctx.Done():
			return s.fail("interrupted while waiting for the answer", ctx.Err()), nil
		case <-deadline.C:
			return mcp.NewToolResultText(formatInProgress(lastSig, timeout)), nil
		case <-ticker.C:
		}

		sig, err := s.mon.CollectSignals(ctx)
		if err != nil {
			s.logger.Debug("Poll sample failed", zap.Error(err))
			continue
		}
		lastSig = sig
		if monitor.Classify(sig, s.profile) == schemas.StatusCompleted && s.mon.Fresh(sig) {
			snap, err := s.mon.Snapshot(ctx)
			if err != nil {
				return s.fail("completed but result extraction failed", err), nil
			}
			return mcp.NewToolResultText(formatSnapshot(snap)), nil
		}
	}
}

// formatInProgress builds the structured still-running report the caller
// gets when the wait deadline passes. Reaching the deadline is an expected
// outcome for long research tasks, not an error.
func formatInProgress(sig schemas.PageSignals, timeout time.Duration) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The research task is still running after %s.\n", timeout)
	steps := monitor.ExtractSteps(sig.BodyText)
	if len(steps) > 0 {
		sb.WriteString("Recent progress:\n")
		for _, step := range steps {
			fmt.Fprintf(&sb, "  - %s\n", step)
		}
	}
	if sig.AgentBrowsingURL != "" {
		fmt.Fprintf(&sb, "Currently browsing: %s\n", sig.AgentBrowsingURL)
	}
	sb.WriteString("Call research_status to keep polling, or stop_research to interrupt.")
	return sb.String()
}

// resetConversation starts a fresh thread, falling back to a home
// navigation when the new-thread control is not found.
func (s *Server) resetConversation(ctx context.Context) {
	var clicked bool
	if err := s.conn.SafeEvaluate(ctx, s.profile.NewChatResetJS, &clicked); err != nil || !clicked {
		s.logger.Debug("New-thread control not available, navigating home", zap.Error(err))
		if err := s.conn.Navigate(ctx, s.cfg.Surface.HomeURL, true); err != nil {
			s.logger.Warn("Home navigation failed during reset", zap.Error(err))
			return
		}
	}
	select {
	case <-ctx.Done():
	case <-time.After(resetSettleDelay):
	}
}

// submitPrompt types the prompt and submits it: Enter first, then the
// submit control when the input still holds the text afterwards.
func (s *Server) submitPrompt(ctx context.Context, prompt string) error {
	var focused bool
	if err := s.conn.SafeEvaluate(ctx, s.profile.FocusInputJS, &focused); err != nil {
		return err
	}
	if !focused {
		return fmt.Errorf("prompt input not found on the page")
	}
	if err := s.conn.InsertText(ctx, prompt); err != nil {
		return fmt.Errorf("failed to type the prompt: %w", err)
	}

	var value string
	if err := s.conn.SafeEvaluate(ctx, s.profile.InputValueJS, &value); err != nil {
		return err
	}
	if !strings.Contains(normalizePrompt(value), promptMarker(prompt)) {
		return fmt.Errorf("typed prompt did not land in the input")
	}

	if err := s.conn.PressKey(ctx, kb.Enter); err != nil {
		return fmt.Errorf("failed to press enter: %w", err)
	}

	// Some layouts swallow Enter while a popover is open; the input still
	// holding the text is the tell.
	value = ""
	if err := s.conn.SafeEvaluate(ctx, s.profile.InputValueJS, &value); err == nil &&
		strings.Contains(normalizePrompt(value), promptMarker(prompt)) {
		var clicked bool
		if err := s.conn.SafeEvaluate(ctx, s.profile.SubmitClickJS, &clicked); err != nil {
			return fmt.Errorf("enter did not submit and the submit control failed: %w", err)
		}
		if !clicked {
			return fmt.Errorf("enter did not submit and no submit control was found")
		}
	}
	return nil
}

// promptMarker is the prefix used to verify the typed text landed.
func promptMarker(prompt string) string {
	const markerRunes = 40
	runes := []rune(prompt)
	if len(runes) > markerRunes {
		runes = runes[:markerRunes]
	}
	return string(runes)
}

// normalizePrompt collapses a multi-line prompt into the single-line
// natural text the input expects.
func normalizePrompt(prompt string) string {
	return strings.Join(strings.Fields(prompt), " ")
}

func (s *Server) handleResearchStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.conn.EnsureHealthy(ctx); err != nil {
		return s.fail("no usable browser connection", err), nil
	}
	snap, err := s.mon.Snapshot(ctx)
	if err != nil {
		return s.fail("failed to sample the research tab", err), nil
	}
	return mcp.NewToolResultText(formatSnapshot(snap)), nil
}

func formatSnapshot(snap *schemas.ProgressSnapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Status: %s\n", snap.Status)
	if snap.CurrentStep != "" {
		fmt.Fprintf(&sb, "Current step: %s\n", snap.CurrentStep)
	}
	if len(snap.Steps) > 0 {
		sb.WriteString("Steps:\n")
		for _, step := range snap.Steps {
			fmt.Fprintf(&sb, "  - %s\n", step)
		}
	}
	if snap.AgentBrowsingURL != "" {
		fmt.Fprintf(&sb, "Agent browsing: %s\n", snap.AgentBrowsingURL)
	}
	if snap.Status == schemas.StatusCompleted {
		if snap.Response != "" {
			fmt.Fprintf(&sb, "\n%s", snap.Response)
		} else {
			sb.WriteString("\nThe task finished but no answer text could be extracted.")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (s *Server) handleStopResearch(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	clicked, err := s.mon.Stop(ctx)
	if err != nil {
		return s.fail("failed to operate the stop control", err), nil
	}
	if !clicked {
		return mcp.NewToolResultText("No active task found to stop."), nil
	}
	return mcp.NewToolResultText("Stop control clicked. The task should wind down shortly; " +
		"confirm with research_status."), nil
}

func (s *Server) handleScreenshot(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.conn.EnsureHealthy(ctx); err != nil {
		return s.fail("no usable browser connection", err), nil
	}

	var encoded string
	for _, quality := range screenshotQualities {
		buf, err := s.conn.Screenshot(ctx, quality)
		if err != nil {
			return s.fail("failed to capture the screenshot", err), nil
		}
		encoded = base64.StdEncoding.EncodeToString(buf)
		if len(encoded) <= maxScreenshotBase64 {
			break
		}
		s.logger.Debug("Screenshot too large, lowering quality",
			zap.Int("quality", quality), zap.Int("encoded_len", len(encoded)))
	}
	return mcp.NewToolResultImage("Research tab screenshot", encoded, "image/jpeg"), nil
}

func (s *Server) handleSwitchMode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mode, err := req.RequireString("mode")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.conn.EnsureHealthy(ctx); err != nil {
		return s.fail("no usable browser connection", err), nil
	}

	var clicked bool
	if err := s.conn.SafeEvaluate(ctx, fmt.Sprintf(s.profile.ModeButtonJS, mode), &clicked); err != nil {
		return s.fail("failed to operate the mode controls", err), nil
	}
	if clicked {
		return mcp.NewToolResultText(fmt.Sprintf("Switched to %q via the toolbar button.", mode)), nil
	}

	if err := s.conn.SafeEvaluate(ctx, fmt.Sprintf(s.profile.ModeDropdownJS, mode), &clicked); err != nil {
		return s.fail("failed to operate the mode dropdown", err), nil
	}
	if clicked {
		return mcp.NewToolResultText(fmt.Sprintf("Switched to %q via the mode dropdown.", mode)), nil
	}
	return mcp.NewToolResultError(fmt.Sprintf("mode %q was not found in either layout", mode)), nil
}
