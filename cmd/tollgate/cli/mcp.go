package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	tmcp "github.com/tollgate/tollgate/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	var (
		transport string
		port      int
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the Security Center MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server that exposes the Security Center as
tools: suspicious IPs, failed attempts, security events, tokens, and the global
blocklist. Supports stdio (default) and HTTP transports.

In stdio mode, the MCP server communicates over stdin/stdout using JSON-RPC,
suitable for desktop MCP clients that launch it as a subprocess.

In HTTP mode, the server listens on the specified port using Streamable HTTP.`,
		Example: `  tollgate mcp                               # stdio mode
  tollgate mcp --transport http --port 3001  # HTTP mode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(transport, port)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().IntVar(&port, "port", 3001, "HTTP port (only used with --transport http)")

	return cmd
}

func runMCP(transport string, port int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// stdout carries the protocol in stdio mode.
	logger := newLogger(cfg.Logging, false, os.Stderr)

	svc, err := openServices(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	mcpSrv := tmcp.NewMCPServer(tmcp.Deps{
		Security: svc.security,
		IPRules:  svc.ipRules,
		Tokens:   svc.tokens,
		Routes:   svc.routes,
	}, versionString(), logger)

	switch transport {
	case "stdio":
		return mcpSrv.ServeStdio()
	case "http":
		return mcpSrv.ServeHTTP(fmt.Sprintf(":%d", port))
	default:
		return fmt.Errorf("unknown transport %q: use stdio or http", transport)
	}
}
