// Package mcp provides an MCP (Model Context Protocol) server for inspecting
// and driving a running NPU.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nvandessel/burstnpu/internal/backend"
	"github.com/nvandessel/burstnpu/internal/burst"
	"github.com/nvandessel/burstnpu/internal/logging"
	"github.com/nvandessel/burstnpu/internal/npu"
	"github.com/nvandessel/burstnpu/internal/ratelimit"
	"github.com/nvandessel/burstnpu/internal/snapshot"
	"github.com/nvandessel/burstnpu/internal/store"
)

// Server wraps the MCP SDK server and exposes NPU tools.
type Server struct {
	server    *sdk.Server
	engine    npu.Engine
	runner    *burst.Runner
	store     *store.SQLiteStore
	backend   backend.Config
	probe     backend.Probe
	snapshots string
	retention snapshot.Policy
	log       *slog.Logger

	toolLimiters ratelimit.ToolLimiters
	auditLogger  *AuditLogger
}

// Config holds server configuration.
type Config struct {
	Name    string // Server name (e.g., "burstnpu")
	Version string // Server version

	Engine npu.Engine
	// Runner drives npu_step. Nil steps the engine directly.
	Runner *burst.Runner
	// Store, when set, adds recorded burst statistics to npu_status.
	Store *store.SQLiteStore

	// Backend and Probe are used for npu_backend what-if selection.
	Backend backend.Config
	Probe   backend.Probe

	// SnapshotDir is where npu_snapshot writes; paths outside it are rejected.
	SnapshotDir string
	Retention   snapshot.Policy

	// AuditDir holds audit.jsonl. Empty disables auditing.
	AuditDir string
	Logger   *slog.Logger
}

// NewServer creates a new MCP server with NPU tools.
func NewServer(cfg *Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("mcp server: engine is required")
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	runner := cfg.Runner
	if runner == nil {
		r, err := burst.NewRunner(cfg.Engine, burst.Options{Logger: log})
		if err != nil {
			return nil, fmt.Errorf("burst runner: %w", err)
		}
		runner = r
	}
	snapDir := cfg.SnapshotDir
	if snapDir == "" {
		d, err := snapshot.DefaultDir()
		if err != nil {
			return nil, fmt.Errorf("snapshot directory: %w", err)
		}
		snapDir = d
	}

	mcpServer := sdk.NewServer(&sdk.Implementation{
		Name:    cfg.Name,
		Version: cfg.Version,
	}, &sdk.ServerOptions{
		InitializedHandler: func(ctx context.Context, req *sdk.InitializedRequest) {
			log.Debug("mcp client initialized")
		},
	})

	s := &Server{
		server:       mcpServer,
		engine:       cfg.Engine,
		runner:       runner,
		store:        cfg.Store,
		backend:      cfg.Backend,
		probe:        cfg.Probe,
		snapshots:    snapDir,
		retention:    cfg.Retention,
		log:          log,
		toolLimiters: ratelimit.NewToolLimiters(),
	}
	if cfg.AuditDir != "" {
		s.auditLogger = NewAuditLogger(filepath.Join(cfg.AuditDir, AuditFile))
	}

	s.registerTools()
	s.registerResources()

	return s, nil
}

// Run starts the MCP server over stdio transport.
// This blocks until the client disconnects or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	err := s.server.Run(ctx, &sdk.StdioTransport{})
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close releases the audit log. The engine, runner and store belong to the
// caller.
func (s *Server) Close() error {
	err := s.auditLogger.Close()
	s.auditLogger = nil
	return err
}
