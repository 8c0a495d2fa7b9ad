// File: internal/transport/hostshell.go
package transport

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserbridge/internal/observability"
)

// HostShell is the WSL-guest transport. The browser runs on the Windows
// host, and a WSL2 NAT guest cannot reach a service bound to host loopback,
// so HTTP calls are executed through powershell.exe and originate inside
// the host's network namespace. With mirrored networking enabled the host
// loopback is also visible from the guest, which is what ProbeReachable
// checks for.
type HostShell struct {
	port   int
	shell  string
	runner CommandRunner
	logger *zap.Logger
}

// CommandRunner executes a host shell command and returns its combined
// output. Split out so tests can fake the powershell boundary.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// NewHostShell builds the WSL-guest transport for the given debug port.
func NewHostShell(port int) *HostShell {
	return &HostShell{
		port:   port,
		shell:  "powershell.exe",
		runner: execRunner,
		logger: observability.GetLogger().Named("transport.hostshell"),
	}
}

// Request shells the HTTP call out to the Windows host. The script prints
// the status code on the first line and the body after it; any PowerShell
// failure folds into an OK:false response.
func (h *HostShell) Request(ctx context.Context, method, path string) *Response {
	script := fmt.Sprintf(
		`try { $r = Invoke-WebRequest -Uri '%s' -Method %s -UseBasicParsing -TimeoutSec 3; `+
			`Write-Output $r.StatusCode; Write-Output $r.Content } `+
			`catch { Write-Output 0; Write-Output $_.Exception.Message }`,
		endpointURL(h.port, path), method)

	out, err := h.runner(ctx, h.shell, "-NoProfile", "-NonInteractive", "-Command", script)
	if err != nil {
		h.logger.Debug("Host shell request failed", zap.String("path", path), zap.Error(err))
		return &Response{OK: false, Body: strings.TrimSpace(string(out))}
	}
	return parseShellResponse(string(out))
}

// parseShellResponse splits "status\nbody" output from the host shell.
func parseShellResponse(out string) *Response {
	out = strings.TrimSpace(strings.ReplaceAll(out, "\r\n", "\n"))
	status := 0
	body := out
	if line, rest, found := strings.Cut(out, "\n"); found || line != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(line)); err == nil {
			status = n
			body = rest
		}
	}
	return &Response{
		OK:     status >= 200 && status < 300,
		Status: status,
		Body:   strings.TrimSpace(body),
	}
}

// ProbeReachable dials the debug port from the guest. This only succeeds
// when WSL mirrored networking is active, so a failure gets the actionable
// remediation error rather than a generic dial message.
func (h *HostShell) ProbeReachable(ctx context.Context) error {
	dialer := net.Dialer{Timeout: probeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", h.port))
	if err != nil {
		return fmt.Errorf("%w (port %d)", ErrHostUnreachable, h.port)
	}
	conn.Close()
	return nil
}

// SpawnProcess starts the browser on the Windows host via Start-Process.
// Paths are double-quoted so $env: references in the executable path
// expand on the host side.
func (h *HostShell) SpawnProcess(ctx context.Context, exe string, args []string) error {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = fmt.Sprintf("'%s'", strings.ReplaceAll(a, "'", "''"))
	}
	script := fmt.Sprintf("Start-Process -FilePath \"%s\" -ArgumentList %s",
		strings.ReplaceAll(exe, `"`, "`\""), strings.Join(quoted, ","))

	out, err := h.runner(ctx, h.shell, "-NoProfile", "-NonInteractive", "-Command", script)
	if err != nil {
		return fmt.Errorf("failed to start browser on host: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	h.logger.Info("Spawned browser process on Windows host", zap.String("exe", exe))
	return nil
}
