// File: internal/transport/direct.go
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserbridge/internal/observability"
)

const (
	requestTimeout = 3 * time.Second
	probeTimeout   = 2 * time.Second
)

// Direct talks to a browser bound to loopback on the same host. Used on
// macOS, native Linux and Windows.
type Direct struct {
	port   int
	client *http.Client
	logger *zap.Logger
}

// NewDirect builds a same-host transport for the given debug port.
func NewDirect(port int) *Direct {
	return &Direct{
		port:   port,
		client: &http.Client{Timeout: requestTimeout},
		logger: observability.GetLogger().Named("transport.direct"),
	}
}

// Request performs the HTTP call and folds every failure mode into the
// Response rather than an error. A refused connection is an ordinary
// outcome here: it means the browser is not running yet.
func (d *Direct) Request(ctx context.Context, method, path string) *Response {
	req, err := http.NewRequestWithContext(ctx, method, endpointURL(d.port, path), nil)
	if err != nil {
		return &Response{OK: false, Body: err.Error()}
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Debug("Debug endpoint request failed", zap.String("path", path), zap.Error(err))
		return &Response{OK: false, Body: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Response{OK: false, Status: resp.StatusCode, Body: err.Error()}
	}
	return &Response{
		OK:     resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status: resp.StatusCode,
		Body:   string(body),
	}
}

// ProbeReachable dials the debug port directly. Same-host loopback has no
// boundary to cross, so a failure just means the browser isn't listening.
func (d *Direct) ProbeReachable(ctx context.Context) error {
	dialer := net.Dialer{Timeout: probeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", d.port))
	if err != nil {
		return fmt.Errorf("%w on port %d: %v", ErrBrowserNotReachable, d.port, err)
	}
	conn.Close()
	return nil
}

// SpawnProcess launches the browser detached so it outlives the bridge.
func (d *Direct) SpawnProcess(ctx context.Context, exe string, args []string) error {
	cmd := exec.Command(exe, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start browser process %q: %w", exe, err)
	}
	d.logger.Info("Spawned browser process", zap.String("exe", exe), zap.Int("pid", cmd.Process.Pid))
	// Release the handle; the browser is not our child to reap.
	return cmd.Process.Release()
}
