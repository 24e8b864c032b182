package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/model"
	"github.com/tollgate/tollgate/internal/service"
)

const (
	defaultFailedLimit = 20
	defaultEventLimit  = 50
	maxResultLimit     = 1000
)

// registerTools registers the Security Center tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Investigation tools -----

	srv.AddTool(
		mcp.NewTool("tollgate_suspicious_ips",
			mcp.WithDescription(
				"List client IPs with rejected gateway requests in the last N days, "+
					"grouped per IP with event count, distinct event types, first/last seen, "+
					"threat level (LOW, MEDIUM, HIGH) and whether the IP is currently blocked. "+
					"Sorted by event count, highest first. Start triage here.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithNumber("days",
				mcp.Description("Trailing window in days (default 7, max 90)"),
			),
			mcp.WithString("level",
				mcp.Description("Only return IPs at this threat level"),
				mcp.Enum(string(model.ThreatLow), string(model.ThreatMedium), string(model.ThreatHigh)),
			),
		),
		s.handleSuspiciousIPs,
	)

	srv.AddTool(
		mcp.NewTool("tollgate_failed_attempts",
			mcp.WithDescription(
				"Rank client IPs by failed token authentications in the last N days. "+
					"Useful for spotting credential stuffing against the gateway.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithNumber("days",
				mcp.Description("Trailing window in days (default 7, max 90)"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of IPs to return (default 20, max 1000)"),
			),
		),
		s.handleFailedAttempts,
	)

	srv.AddTool(
		mcp.NewTool("tollgate_security_events",
			mcp.WithDescription(
				"List raw security events, newest first. Filter by event type, client IP "+
					"or token id to see exactly which endpoints an IP probed and why each "+
					"request was rejected.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("type",
				mcp.Description("Event type filter"),
				mcp.Enum(eventTypeNames()...),
			),
			mcp.WithString("ip",
				mcp.Description("Client IP filter"),
			),
			mcp.WithNumber("token_id",
				mcp.Description("Token id filter"),
			),
			mcp.WithNumber("days",
				mcp.Description("Trailing window in days (default 7, max 90)"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of events (default 50, max 1000)"),
			),
		),
		s.handleSecurityEvents,
	)

	srv.AddTool(
		mcp.NewTool("tollgate_list_tokens",
			mcp.WithDescription(
				"List API tokens with their scopes, per-minute limits, active flag, "+
					"expiry and last use. Secrets are never returned.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListTokens,
	)

	// ----- Blocklist tools -----

	srv.AddTool(
		mcp.NewTool("tollgate_list_blocked_ips",
			mcp.WithDescription("List IPs on the global blocklist, including who blocked them and when the block expires."),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListBlocked,
	)

	srv.AddTool(
		mcp.NewTool("tollgate_block_ip",
			mcp.WithDescription(
				"Block a client IP on every gateway route. Optionally give a ttl such as "+
					"\"24h\"; without one the block is permanent until removed.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("ip",
				mcp.Required(),
				mcp.Description("IPv4 or IPv6 address to block"),
			),
			mcp.WithString("reason",
				mcp.Description("Why the IP is blocked"),
			),
			mcp.WithString("ttl",
				mcp.Description("Block duration as a Go duration string (e.g. \"30m\", \"24h\")"),
			),
		),
		s.handleBlockIP,
	)

	srv.AddTool(
		mcp.NewTool("tollgate_unblock_ip",
			mcp.WithDescription("Remove a client IP from the global blocklist."),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("ip",
				mcp.Required(),
				mcp.Description("IP address to unblock"),
			),
		),
		s.handleUnblockIP,
	)
}

func eventTypeNames() []string {
	out := make([]string, len(model.AllEventTypes))
	for i, t := range model.AllEventTypes {
		out[i] = string(t)
	}
	return out
}

// ---------------------------------------------------------------------------
// Tool handlers
// ---------------------------------------------------------------------------

func (s *MCPServer) handleSuspiciousIPs(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	days := service.ClampDays(optionalInt(request, "days", service.DefaultQueryDays))
	level := strings.ToUpper(optionalString(request, "level"))

	ips, err := s.deps.Security.QuerySuspicious(ctx, days)
	if err != nil {
		return toolError("Failed to query suspicious IPs: %v", err)
	}
	out := make([]model.SuspiciousIP, 0, len(ips))
	for _, ip := range ips {
		if level == "" || string(ip.ThreatLevel) == level {
			out = append(out, ip)
		}
	}
	return successJSON(map[string]interface{}{
		"days": days,
		"ips":  out,
	})
}

func (s *MCPServer) handleFailedAttempts(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	days := service.ClampDays(optionalInt(request, "days", service.DefaultQueryDays))
	limit := clamp(optionalInt(request, "limit", defaultFailedLimit), 1, maxResultLimit)

	attempts, err := s.deps.Security.QueryFailedAttempts(ctx, days, limit)
	if err != nil {
		return toolError("Failed to query failed attempts: %v", err)
	}
	if attempts == nil {
		attempts = []model.FailedAttempt{}
	}
	return successJSON(map[string]interface{}{
		"days":     days,
		"attempts": attempts,
	})
}

func (s *MCPServer) handleSecurityEvents(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	days := service.ClampDays(optionalInt(request, "days", service.DefaultQueryDays))
	f := model.EventFilter{
		IP:    optionalString(request, "ip"),
		Since: time.Now().Add(-time.Duration(days) * 24 * time.Hour),
		Limit: clamp(optionalInt(request, "limit", defaultEventLimit), 1, maxResultLimit),
	}
	if t := optionalString(request, "type"); t != "" {
		f.Type = model.EventType(strings.ToUpper(t))
		if !f.Type.Valid() {
			return toolError("Unknown event type %q. Valid types: %v", t, eventTypeNames())
		}
	}
	if id := optionalInt(request, "token_id", 0); id > 0 {
		tokenID := int64(id)
		f.TokenID = &tokenID
	}

	evs, err := s.deps.Security.ListEvents(ctx, f)
	if err != nil {
		return toolError("Failed to list events: %v", err)
	}
	if evs == nil {
		evs = []model.SecurityEvent{}
	}
	return successJSON(evs)
}

func (s *MCPServer) handleListTokens(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	tokens, err := s.deps.Tokens.List(ctx)
	if err != nil {
		return toolError("Failed to list tokens: %v", err)
	}
	if tokens == nil {
		tokens = []model.APIToken{}
	}
	return successJSON(tokens)
}

func (s *MCPServer) handleListBlocked(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	blocks, err := s.deps.IPRules.ListBlocks(ctx)
	if err != nil {
		return toolError("Failed to list blocked IPs: %v", err)
	}
	if blocks == nil {
		blocks = []model.BlockedIP{}
	}
	return successJSON(blocks)
}

func (s *MCPServer) handleBlockIP(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	ip, err := requireString(request, "ip")
	if err != nil {
		return toolError("%v", err)
	}
	var ttl time.Duration
	if raw := optionalString(request, "ttl"); raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil || ttl < 0 {
			return toolError("Invalid ttl %q: use a duration such as \"30m\" or \"24h\"", raw)
		}
	}
	reason := optionalString(request, "reason")
	if reason == "" {
		reason = "blocked via MCP"
	}

	b, err := s.deps.IPRules.Block(ctx, ip, reason, actor, ttl)
	if err != nil {
		return toolError("%s", describeError("block", ip, err))
	}
	s.logger.Info("IP blocked via MCP", "ip", b.IPAddress, "ttl", ttl)
	return successJSON(b)
}

func (s *MCPServer) handleUnblockIP(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	ip, err := requireString(request, "ip")
	if err != nil {
		return toolError("%v", err)
	}
	if err := s.deps.IPRules.Unblock(ctx, ip); err != nil {
		return toolError("%s", describeError("unblock", ip, err))
	}
	s.logger.Info("IP unblocked via MCP", "ip", ip)
	return successJSON(map[string]interface{}{
		"ip":        ip,
		"unblocked": true,
	})
}

func describeError(action, ip string, err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return fmt.Sprintf("Cannot %s %q: %v", action, ip, err)
	case errors.Is(err, config.ErrNotFound):
		return fmt.Sprintf("IP %q is not on the blocklist", ip)
	case errors.Is(err, config.ErrConflict):
		return fmt.Sprintf("IP %q is already blocked", ip)
	default:
		return fmt.Sprintf("Failed to %s %q: %v", action, ip, err)
	}
}
