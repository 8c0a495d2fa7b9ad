// File: internal/registry/registry.go
// Package registry enumerates and classifies the browser's open contexts.
// Role assignment is recomputed from a fresh listing on every call; the
// autonomous task opens and closes tabs at will, so cached roles go stale
// within seconds.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserbridge/api/schemas"
	"github.com/xkilldash9x/browserbridge/internal/observability"
	"github.com/xkilldash9x/browserbridge/internal/surface"
	"github.com/xkilldash9x/browserbridge/internal/transport"
)

// internalSchemes are browser-internal URL schemes that never count as
// research content.
var internalSchemes = []string{
	"chrome://",
	"chrome-extension://",
	"devtools://",
	"edge://",
	"about:",
}

// Registry lists live contexts over the transport and assigns roles.
type Registry struct {
	transport transport.Transport
	profile   *surface.Profile
	logger    *zap.Logger
}

// New builds a registry over the given transport and surface profile.
func New(tr transport.Transport, profile *surface.Profile) *Registry {
	return &Registry{
		transport: tr,
		profile:   profile,
		logger:    observability.GetLogger().Named("registry"),
	}
}

// ListContexts fetches the current context list with a single /json/list
// call. An unreachable endpoint is an error; individual malformed entries
// are skipped, not fatal.
func (r *Registry) ListContexts(ctx context.Context) ([]schemas.Context, error) {
	resp := r.transport.Request(ctx, http.MethodGet, "/json/list")
	if !resp.OK {
		return nil, fmt.Errorf("failed to list browser contexts (status %d): %s", resp.Status, resp.Body)
	}

	var raw []schemas.Context
	if err := json.Unmarshal([]byte(resp.Body), &raw); err != nil {
		return nil, fmt.Errorf("failed to decode context list: %w", err)
	}

	contexts := raw[:0]
	for _, c := range raw {
		if c.ID == "" {
			r.logger.Debug("Skipping malformed context entry", zap.String("url", c.URL))
			continue
		}
		contexts = append(contexts, c)
	}
	return contexts, nil
}

// ListByRole returns a freshly classified view of the open contexts.
func (r *Registry) ListByRole(ctx context.Context) (*schemas.ContextsByRole, error) {
	contexts, err := r.ListContexts(ctx)
	if err != nil {
		return nil, err
	}
	return Classify(contexts, r.profile), nil
}

// Classify assigns every context exactly one role. It is pure and total:
// any well-formed input yields a complete assignment, never an error.
//
// Rule order matters. Non-page targets are excluded outright. The first
// context matching a primary URL pattern is the primary; later matches are
// demoted to others so the bridge never addresses two primaries. Internal
// schemes become overlays when the profile recognizes them, others when
// not. Blank placeholders are others. Whatever page remains is the
// autonomous task browsing, defined by exclusion because the task may
// visit any domain on the web.
func Classify(contexts []schemas.Context, profile *surface.Profile) *schemas.ContextsByRole {
	out := &schemas.ContextsByRole{}

	for i := range contexts {
		c := contexts[i]
		switch classifyOne(&c, profile, out.Primary != nil) {
		case schemas.RoleExcluded:
			out.Excluded = append(out.Excluded, c)
		case schemas.RolePrimary:
			out.Primary = &contexts[i]
		case schemas.RoleOverlay:
			out.Overlays = append(out.Overlays, c)
		case schemas.RoleOther:
			out.Others = append(out.Others, c)
		case schemas.RoleAgentBrowsing:
			if out.AgentBrowsing == nil {
				out.AgentBrowsing = &contexts[i]
			} else {
				out.Others = append(out.Others, c)
			}
		}
	}
	return out
}

func classifyOne(c *schemas.Context, profile *surface.Profile, havePrimary bool) schemas.ContextRole {
	if !c.IsPage() {
		return schemas.RoleExcluded
	}
	if profile.MatchesPrimary(c.URL) {
		if havePrimary {
			return schemas.RoleOther
		}
		return schemas.RolePrimary
	}
	if hasInternalScheme(c.URL) {
		if profile.MatchesOverlay(c.URL) {
			return schemas.RoleOverlay
		}
		return schemas.RoleOther
	}
	if isBlank(c.URL) {
		return schemas.RoleOther
	}
	return schemas.RoleAgentBrowsing
}

func hasInternalScheme(url string) bool {
	for _, s := range internalSchemes {
		if strings.HasPrefix(url, s) {
			return true
		}
	}
	return false
}

func isBlank(url string) bool {
	return url == "" || url == "about:blank"
}
