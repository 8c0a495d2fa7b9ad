// File: internal/transport/platform.go
package transport

import (
	"os"
	"runtime"
	"strings"
)

// Platform identifies where the bridge process itself is running. WSL is
// distinct from Linux because the controlled browser lives on the Windows
// host there, across a virtualized network boundary.
type Platform string

const (
	PlatformDarwin  Platform = "darwin"
	PlatformLinux   Platform = "linux"
	PlatformWindows Platform = "windows"
	PlatformWSL     Platform = "wsl"
)

// DetectPlatform classifies the current host. On Linux it inspects
// /proc/version to distinguish a WSL guest from native Linux.
func DetectPlatform() Platform {
	switch runtime.GOOS {
	case "darwin":
		return PlatformDarwin
	case "windows":
		return PlatformWindows
	case "linux":
		data, err := os.ReadFile("/proc/version")
		if err != nil {
			return PlatformLinux
		}
		return classifyLinux(string(data))
	default:
		return PlatformLinux
	}
}

// classifyLinux decides between native Linux and a WSL guest from the
// /proc/version string. Both WSL1 and WSL2 kernels mention Microsoft.
func classifyLinux(procVersion string) Platform {
	if strings.Contains(strings.ToLower(procVersion), "microsoft") {
		return PlatformWSL
	}
	return PlatformLinux
}
