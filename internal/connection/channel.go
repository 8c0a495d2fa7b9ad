// File: internal/connection/channel.go
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserbridge/internal/observability"
)

// Channel is one live control attachment to a browser context. The manager
// holds at most one at a time.
type Channel interface {
	ID() string
	TargetID() string
	Evaluate(ctx context.Context, expr string, out any) error
	Navigate(ctx context.Context, url string, waitForLoad bool) error
	Screenshot(ctx context.Context, quality int) ([]byte, error)
	PressKey(ctx context.Context, key string) error
	InsertText(ctx context.Context, text string) error
	Close() error
}

// Dialer attaches a channel to a target. Production dials over CDP; tests
// inject fakes.
type Dialer interface {
	Dial(ctx context.Context, wsURL, targetID string) (Channel, error)
}

const dialTimeout = 10 * time.Second

// CDPDialer attaches through a chromedp remote allocator.
type CDPDialer struct{}

// Dial connects to the browser's websocket endpoint and binds to the given
// page target.
func (CDPDialer) Dial(ctx context.Context, wsURL, targetID string) (Channel, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), wsURL, chromedp.NoModifyURL)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx, chromedp.WithTargetID(target.ID(targetID)))

	cancelAll := func() {
		taskCancel()
		allocCancel()
	}

	// Running an empty action forces the attach so a bad target fails
	// here instead of on the first real operation.
	attachCtx, attachCancel := context.WithTimeout(taskCtx, dialTimeout)
	defer attachCancel()
	if err := chromedp.Run(attachCtx); err != nil {
		cancelAll()
		return nil, fmt.Errorf("failed to attach to target %s: %w", targetID, err)
	}

	ch := &cdpChannel{
		id:       uuid.NewString(),
		targetID: targetID,
		taskCtx:  taskCtx,
		cancel:   cancelAll,
		logger:   observability.GetLogger().Named("channel"),
	}
	ch.logger.Debug("Channel attached",
		zap.String("channel_id", ch.id),
		zap.String("target_id", targetID),
	)
	return ch, nil
}

// cdpChannel is the production Channel over a chromedp task context.
type cdpChannel struct {
	id       string
	targetID string
	taskCtx  context.Context
	cancel   context.CancelFunc
	once     sync.Once
	logger   *zap.Logger
}

func (c *cdpChannel) ID() string       { return c.id }
func (c *cdpChannel) TargetID() string { return c.targetID }

// run executes chromedp actions against the attached target while
// honoring the caller's cancellation.
func (c *cdpChannel) run(ctx context.Context, actions ...chromedp.Action) error {
	opCtx, opCancel := CombineContext(c.taskCtx, ctx)
	defer opCancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithDeadline(opCtx, deadline)
		defer cancel()
	}
	return chromedp.Run(opCtx, actions...)
}

// Evaluate runs a JS expression in the page. A nil out discards the value.
func (c *cdpChannel) Evaluate(ctx context.Context, expr string, out any) error {
	return c.run(ctx, chromedp.Evaluate(expr, out))
}

// Navigate loads a URL. With waitForLoad the call blocks until the load
// event fires; without it the navigation is issued and control returns as
// soon as the browser accepts it.
func (c *cdpChannel) Navigate(ctx context.Context, url string, waitForLoad bool) error {
	if waitForLoad {
		return c.run(ctx, chromedp.Navigate(url))
	}
	return c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errText, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errText != "" {
			return fmt.Errorf("navigation to %s failed: %s", url, errText)
		}
		return nil
	}))
}

// Screenshot captures the viewport as JPEG at the given quality.
func (c *cdpChannel) Screenshot(ctx context.Context, quality int) ([]byte, error) {
	var buf []byte
	err := c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatJpeg).
			WithQuality(int64(quality)).
			Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// PressKey sends a raw key event, e.g. kb.Enter.
func (c *cdpChannel) PressKey(ctx context.Context, key string) error {
	return c.run(ctx, chromedp.KeyEvent(key))
}

// InsertText types text into the focused element through the input domain,
// which works for both textareas and contenteditable surfaces.
func (c *cdpChannel) InsertText(ctx context.Context, text string) error {
	return c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.InsertText(text).Do(ctx)
	}))
}

// NormalizeWindow brings the attached window to a normal (non-minimized)
// state. Advisory: callers log failures and move on.
func (c *cdpChannel) NormalizeWindow(ctx context.Context) error {
	return c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		windowID, _, err := browser.GetWindowForTarget().Do(ctx)
		if err != nil {
			return err
		}
		bounds := &browser.Bounds{WindowState: browser.WindowStateNormal}
		return browser.SetWindowBounds(windowID, bounds).Do(ctx)
	}))
}

// Close detaches from the target. Idempotent; the browser and its tabs
// stay alive.
func (c *cdpChannel) Close() error {
	c.once.Do(func() {
		c.logger.Debug("Channel closed", zap.String("channel_id", c.id))
		c.cancel()
	})
	return nil
}
