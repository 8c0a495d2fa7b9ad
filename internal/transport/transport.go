// File: internal/transport/transport.go
// Package transport carries plain HTTP requests to the controlled browser's
// CDP endpoint, hiding whether the browser runs on this host or across the
// WSL guest/host boundary.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrHostUnreachable reports that the browser's debug endpoint cannot be
// reached across the WSL guest/host boundary. It is terminal: no retry or
// reconnect logic should run against it, the environment needs fixing first.
var ErrHostUnreachable = errors.New(
	"cannot reach the Windows host from this WSL guest: enable mirrored networking " +
		"by adding 'networkingMode=mirrored' under '[wsl2]' in %UserProfile%\\.wslconfig, " +
		"then run 'wsl --shutdown' and reopen your terminal")

// ErrBrowserNotReachable reports that the debug endpoint did not answer on
// the expected local port.
var ErrBrowserNotReachable = errors.New("browser debug endpoint is not reachable")

// Response is the outcome of a single CDP HTTP request. Ordinary failures
// (refused connection, non-2xx status, shell error) come back as OK:false
// with whatever status and body are available; Request never returns an
// error for them.
type Response struct {
	OK     bool
	Status int
	Body   string
}

// Transport abstracts how the bridge talks to and provisions the controlled
// browser for one platform.
type Transport interface {
	// Request performs an HTTP call against the browser's debug endpoint.
	// Path is relative, e.g. "/json/list".
	Request(ctx context.Context, method, path string) *Response

	// ProbeReachable verifies the debug endpoint's network path before any
	// HTTP traffic. A failure on a boundary-crossing transport yields
	// ErrHostUnreachable with remediation guidance.
	ProbeReachable(ctx context.Context) error

	// SpawnProcess starts the browser executable detached from this
	// process, on whichever side of the boundary the browser lives.
	SpawnProcess(ctx context.Context, exe string, args []string) error
}

// ForPlatform returns the transport matching the detected platform.
func ForPlatform(p Platform, port int) Transport {
	if p == PlatformWSL {
		return NewHostShell(port)
	}
	return NewDirect(port)
}

func endpointURL(port int, path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
}
