// Package schemas holds the shared data model exchanged between the
// transport, registry, connection, monitor, and dispatch layers.
package schemas

// ContextRole classifies a browsing context by the part it plays in a
// research session. Roles are recomputed from a fresh context listing on
// every call; they are never stored, because contexts appear and disappear
// outside this process's control.
type ContextRole string

const (
	// RolePrimary is the main interactive research surface.
	RolePrimary ContextRole = "primary"
	// RoleAgentBrowsing is a page the autonomous task opened while
	// researching. Defined by exclusion: the task may visit any domain.
	RoleAgentBrowsing ContextRole = "agent_browsing"
	// RoleOverlay is a non-page UI layer (assistant sidecar, extension
	// surface, devtools).
	RoleOverlay ContextRole = "overlay"
	// RoleOther covers pages that fit no other role (blank placeholders,
	// duplicate primaries).
	RoleOther ContextRole = "other"
	// RoleExcluded marks non-page targets (service workers, workers).
	RoleExcluded ContextRole = "excluded"
)

// Context is a read-only snapshot of one browsing context (tab) as reported
// by the controlled browser's /json/list endpoint.
type Context struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// IsPage reports whether the context is an ordinary page target.
func (c Context) IsPage() bool { return c.Type == "page" }

// ContextsByRole groups a fresh context listing by role. Every listed
// context lands in exactly one bucket.
type ContextsByRole struct {
	Primary       *Context
	AgentBrowsing *Context
	Overlays      []Context
	Others        []Context
	Excluded      []Context
}

// TaskStatus is the monitor's classification of the in-page autonomous task.
type TaskStatus string

const (
	StatusIdle      TaskStatus = "idle"
	StatusWorking   TaskStatus = "working"
	StatusCompleted TaskStatus = "completed"
)

// PageSignals is one observation of the research surface, gathered at poll
// time. The classifier consumes only this snapshot, so it stays a pure
// function testable without a browser.
type PageSignals struct {
	HasActiveStopControl bool
	HasSpinner           bool
	HasStepsCompleted    bool
	HasSourcesReviewed   bool
	HasFollowUpPrompt    bool
	BodyText             string
	RichBlockCount       int
	LastBlockText        string
	AgentBrowsingURL     string
}

// ProgressSnapshot is the ephemeral result of one monitor poll. It is
// recomputed on every sample and never persisted.
type ProgressSnapshot struct {
	Status               TaskStatus `json:"status"`
	Steps                []string   `json:"steps,omitempty"`
	CurrentStep          string     `json:"current_step,omitempty"`
	Response             string     `json:"response,omitempty"`
	HasActiveStopControl bool       `json:"has_active_stop_control"`
	AgentBrowsingURL     string     `json:"agent_browsing_url,omitempty"`
}

// Baseline captures the response area's shape before a prompt is submitted,
// so a later sample can be distinguished from content that was already on
// the page.
type Baseline struct {
	RichBlockCount int
	LastBlockText  string
}

// LoginState is the heuristic login classification of the research surface.
type LoginState string

const (
	LoggedIn  LoginState = "logged_in"
	LoggedOut LoginState = "logged_out"
)

// VersionInfo is the subset of the browser's /json/version metadata the
// bridge cares about.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}
