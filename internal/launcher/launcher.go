// File: internal/launcher/launcher.go
// Package launcher provisions the controlled browser process: executable
// discovery, isolated profile, spawn through the platform transport, and a
// bounded wait for the CDP endpoint to come up.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserbridge/internal/config"
	"github.com/xkilldash9x/browserbridge/internal/observability"
	"github.com/xkilldash9x/browserbridge/internal/transport"
)

// ErrExecutableNotFound means no browser binary was discovered and no
// override was configured.
var ErrExecutableNotFound = errors.New(
	"browser executable not found; set " + config.EnvBrowserPath + " or browser.executable_path")

const readyPollInterval = 500 * time.Millisecond

// Launcher starts the browser and waits for its debug endpoint.
type Launcher struct {
	cfg       *config.Config
	platform  transport.Platform
	transport transport.Transport
	logger    *zap.Logger

	// statFn is swappable for discovery tests.
	statFn func(string) (os.FileInfo, error)
}

// New builds a launcher for the detected platform.
func New(cfg *config.Config, platform transport.Platform, tr transport.Transport) *Launcher {
	return &Launcher{
		cfg:       cfg,
		platform:  platform,
		transport: tr,
		logger:    observability.GetLogger().Named("launcher"),
		statFn:    os.Stat,
	}
}

// IsRunning reports whether the CDP metadata endpoint answers.
func (l *Launcher) IsRunning(ctx context.Context) bool {
	return l.transport.Request(ctx, http.MethodGet, "/json/version").OK
}

// EnsureRunning makes sure a debuggable browser instance is up, starting
// one when needed, then verifies this process can reach its port directly.
// The direct-reachability check runs last on purpose: on WSL the HTTP
// probe goes through the host shell and can succeed while the guest still
// has no network path to the port.
func (l *Launcher) EnsureRunning(ctx context.Context) error {
	resp := l.transport.Request(ctx, http.MethodGet, "/json/version")
	if resp.OK {
		l.logger.Debug("Browser already running", zap.Int("port", l.cfg.Browser.DebugPort))
		return l.transport.ProbeReachable(ctx)
	}
	if resp.Status != 0 {
		// Something answered HTTP on the port but it is not a CDP
		// endpoint. Launching another instance on top would not help.
		return fmt.Errorf("port %d is occupied by a non-debuggable process (status %d); "+
			"change browser.debug_port or stop the occupant", l.cfg.Browser.DebugPort, resp.Status)
	}

	exe, err := l.findExecutable()
	if err != nil {
		return err
	}
	args, err := l.launchArgs()
	if err != nil {
		return err
	}

	l.logger.Info("Starting browser",
		zap.String("exe", exe),
		zap.Int("port", l.cfg.Browser.DebugPort),
	)
	if err := l.transport.SpawnProcess(ctx, exe, args); err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	if err := l.waitReady(ctx); err != nil {
		return err
	}
	return l.transport.ProbeReachable(ctx)
}

// waitReady polls the metadata endpoint until it answers or the startup
// budget runs out.
func (l *Launcher) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(l.cfg.Browser.StartupTimeout)
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		if l.transport.Request(ctx, http.MethodGet, "/json/version").OK {
			l.logger.Info("Browser debug endpoint is ready")
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("browser did not expose its debug endpoint within %s", l.cfg.Browser.StartupTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// launchArgs builds the spawn arguments: debug port plus an isolated
// profile so the controlled instance never touches the user's default one.
func (l *Launcher) launchArgs() ([]string, error) {
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", l.cfg.Browser.DebugPort),
		"--no-first-run",
		"--no-default-browser-check",
	}
	if l.platform == transport.PlatformWSL {
		// Host-side path; the host shell expands the env reference.
		args = append(args, `--user-data-dir="$env:LOCALAPPDATA\browserbridge\profile"`)
		return args, nil
	}
	dir, err := l.cfg.ResolveProfileDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create profile dir %s: %w", dir, err)
	}
	args = append(args, "--user-data-dir="+dir)
	return args, nil
}

// findExecutable resolves the browser binary: explicit override first,
// then well-known install locations for the platform.
func (l *Launcher) findExecutable() (string, error) {
	if override := l.cfg.Browser.ExecutablePath; override != "" {
		if l.platform == transport.PlatformWSL {
			// Host-side path, not visible to a guest stat.
			return override, nil
		}
		if _, err := l.statFn(override); err != nil {
			return "", fmt.Errorf("configured browser executable %q: %w", override, err)
		}
		return override, nil
	}

	candidates := l.candidatePaths()
	if l.platform == transport.PlatformWSL {
		return candidates[0], nil
	}
	for _, c := range candidates {
		if _, err := l.statFn(c); err == nil {
			return c, nil
		}
	}
	return "", ErrExecutableNotFound
}

// candidatePaths lists install locations in preference order: the bundled
// research browser first, then stock Chromium builds the surface also
// works in.
func (l *Launcher) candidatePaths() []string {
	switch l.platform {
	case transport.PlatformDarwin:
		return []string{
			"/Applications/Comet.app/Contents/MacOS/Comet",
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	case transport.PlatformWindows:
		local := os.Getenv("LOCALAPPDATA")
		programs := os.Getenv("ProgramFiles")
		return []string{
			filepath.Join(local, "Perplexity", "Comet", "Application", "Comet.exe"),
			filepath.Join(programs, "Google", "Chrome", "Application", "chrome.exe"),
			filepath.Join(local, "Google", "Chrome", "Application", "chrome.exe"),
		}
	case transport.PlatformWSL:
		return []string{
			`$env:LOCALAPPDATA\Perplexity\Comet\Application\Comet.exe`,
			`$env:ProgramFiles\Google\Chrome\Application\chrome.exe`,
		}
	default:
		return []string{
			"/usr/bin/comet",
			"/opt/comet/comet",
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/snap/bin/chromium",
		}
	}
}
