// File: internal/mcp/server.go
// Package mcp exposes the bridge as an MCP stdio server with a fixed tool
// set. Handlers catch every error at the boundary and report it as a tool
// error result; nothing propagates to the protocol layer as a failure.
package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserbridge/api/schemas"
	"github.com/xkilldash9x/browserbridge/internal/config"
	"github.com/xkilldash9x/browserbridge/internal/observability"
	"github.com/xkilldash9x/browserbridge/internal/surface"
)

// Connection is the slice of the connection manager the dispatcher uses.
type Connection interface {
	Connect(ctx context.Context, targetID string) error
	EnsureHealthy(ctx context.Context) error
	SafeEvaluate(ctx context.Context, expr string, out any) error
	Navigate(ctx context.Context, url string, waitForLoad bool) error
	Screenshot(ctx context.Context, quality int) ([]byte, error)
	PressKey(ctx context.Context, key string) error
	InsertText(ctx context.Context, text string) error
	NewContext(ctx context.Context, url string) (*schemas.Context, error)
	CloseContext(ctx context.Context, targetID string) error
	TargetID() string
}

// Monitor is the slice of the progress monitor the dispatcher uses.
type Monitor interface {
	CollectSignals(ctx context.Context) (schemas.PageSignals, error)
	Snapshot(ctx context.Context) (*schemas.ProgressSnapshot, error)
	CaptureBaseline(ctx context.Context) error
	Fresh(sig schemas.PageSignals) bool
	Stop(ctx context.Context) (bool, error)
	ProbeLogin(ctx context.Context) (schemas.LoginState, error)
}

// Roles lists and classifies open contexts.
type Roles interface {
	ListByRole(ctx context.Context) (*schemas.ContextsByRole, error)
}

// Starter provisions the browser process.
type Starter interface {
	EnsureRunning(ctx context.Context) error
}

// Server wires the tool handlers over the bridge components.
type Server struct {
	cfg     *config.Config
	conn    Connection
	mon     Monitor
	roles   Roles
	starter Starter
	profile *surface.Profile
	logger  *zap.Logger

	mcpServer *server.MCPServer
}

// NewServer builds the MCP server and registers the tool set.
func NewServer(cfg *config.Config, conn Connection, mon Monitor, roles Roles, starter Starter, profile *surface.Profile, version string) *Server {
	s := &Server{
		cfg:     cfg,
		conn:    conn,
		mon:     mon,
		roles:   roles,
		starter: starter,
		profile: profile,
		logger:  observability.GetLogger().Named("mcp"),
	}

	s.mcpServer = server.NewMCPServer("browserbridge", version,
		server.WithToolCapabilities(false),
	)
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("connect",
		mcp.WithDescription("Connect to the research browser: start it if needed, "+
			"settle on a single research tab, and report the login state."),
	), s.handleConnect)

	s.mcpServer.AddTool(mcp.NewTool("ask",
		mcp.WithDescription("Submit a research prompt and wait for the in-page "+
			"agent to finish, returning the final answer or a progress report "+
			"when the deadline passes."),
		mcp.WithString("prompt",
			mcp.Required(),
			mcp.Description("The research question or task for the browsing agent."),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("How long to wait for completion before reporting progress instead (default 300)."),
		),
		mcp.WithBoolean("new_chat",
			mcp.Description("Start a fresh conversation before asking (default false)."),
		),
	), s.handleAsk)

	s.mcpServer.AddTool(mcp.NewTool("research_status",
		mcp.WithDescription("Report what the browsing agent is doing right now: "+
			"status, progress steps, and the answer once it is finished."),
	), s.handleResearchStatus)

	s.mcpServer.AddTool(mcp.NewTool("stop_research",
		mcp.WithDescription("Ask the browsing agent to stop its current task."),
	), s.handleStopResearch)

	s.mcpServer.AddTool(mcp.NewTool("screenshot",
		mcp.WithDescription("Capture the research tab's current viewport as an image."),
	), s.handleScreenshot)

	s.mcpServer.AddTool(mcp.NewTool("switch_mode",
		mcp.WithDescription("Switch the research surface's answer mode, e.g. to a "+
			"deeper research setting."),
		mcp.WithString("mode",
			mcp.Required(),
			mcp.Description("The mode label to select."),
		),
	), s.handleSwitchMode)
}

// ServeStdio runs the server over stdin/stdout until the stream closes.
func (s *Server) ServeStdio() error {
	s.logger.Info("Serving MCP over stdio")
	return server.ServeStdio(s.mcpServer)
}
