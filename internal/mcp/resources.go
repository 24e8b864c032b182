package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tollgate/tollgate/internal/model"
)

const (
	routesURI      = "tollgate://routes"
	tokenURIPrefix = "tollgate://token/"
)

// registerResources adds read-only context documents: the route table and
// per-token detail.
func (s *MCPServer) registerResources(srv *server.MCPServer) {

	// -------------------------------------------------------------------
	// tollgate://routes: gateway route table with required scopes
	// -------------------------------------------------------------------
	srv.AddResource(
		mcp.NewResource(
			routesURI,
			"Gateway Routes",
			mcp.WithResourceDescription(
				"Every route the gateway admits, with its method, path pattern and "+
					"the scopes a token needs. Routes without scopes are public.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleRoutesResource,
	)

	// -------------------------------------------------------------------
	// tollgate://token/{id}: one token with its IP rules (template)
	// -------------------------------------------------------------------
	srv.AddResourceTemplate(
		mcp.NewResourceTemplate(
			tokenURIPrefix+"{id}",
			"API Token",
			mcp.WithTemplateDescription(
				"A single API token's settings together with its IP whitelist and blacklist.",
			),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleTokenResource,
	)
}

func (s *MCPServer) handleRoutesResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	type routeInfo struct {
		Name    string        `json:"name"`
		Method  string        `json:"method"`
		Pattern string        `json:"pattern"`
		Scopes  []model.Scope `json:"scopes"`
		Public  bool          `json:"public"`
	}

	routes := s.deps.Routes.Routes()
	items := make([]routeInfo, len(routes))
	for i, r := range routes {
		scopes := r.Scopes
		if scopes == nil {
			scopes = []model.Scope{}
		}
		items[i] = routeInfo{
			Name:    r.Name,
			Method:  r.Method,
			Pattern: r.Pattern,
			Scopes:  scopes,
			Public:  r.Public(),
		}
	}
	return jsonResource(routesURI, items)
}

func (s *MCPServer) handleTokenResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	uri := request.Params.URI
	raw := strings.TrimPrefix(uri, tokenURIPrefix)
	id, err := strconv.ParseInt(raw, 10, 64)
	if raw == uri || err != nil || id <= 0 {
		return nil, fmt.Errorf("invalid token URI %q: expected %s{id}", uri, tokenURIPrefix)
	}

	tok, err := s.deps.Tokens.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("token %d: %w", id, err)
	}
	rules, err := s.deps.IPRules.ListRules(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ip rules for token %d: %w", id, err)
	}
	if rules == nil {
		rules = []model.IPRule{}
	}
	return jsonResource(uri, map[string]interface{}{
		"token":    tok,
		"ip_rules": rules,
	})
}

func jsonResource(uri string, v interface{}) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
