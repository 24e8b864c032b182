package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/model"
)

// Route is one entry of the declarative route table. A request must hold
// every scope in Scopes; a route with no scopes is public and only passes
// the global blocklist and the per-IP rate limit.
type Route struct {
	Name    string        `json:"name"`
	Method  string        `json:"method"`
	Pattern string        `json:"pattern"`
	Scopes  []model.Scope `json:"scopes,omitempty"`
	Summary string        `json:"summary,omitempty"`
}

// Public reports whether the route needs no token.
func (r Route) Public() bool {
	return len(r.Scopes) == 0
}

// DefaultRoutes is the route table used when the configuration defines none.
func DefaultRoutes() []Route {
	return []Route{
		{Name: "billing.users.list", Method: http.MethodGet, Pattern: "/api/v1/billing/users", Scopes: []model.Scope{model.ScopeBilling}, Summary: "List billing subscribers"},
		{Name: "billing.users.get", Method: http.MethodGet, Pattern: "/api/v1/billing/users/{id}", Scopes: []model.Scope{model.ScopeBilling}, Summary: "Get a billing subscriber"},
		{Name: "billing.payments.list", Method: http.MethodGet, Pattern: "/api/v1/billing/payments", Scopes: []model.Scope{model.ScopeBilling}, Summary: "List payments"},
		{Name: "billing.credit.create", Method: http.MethodPost, Pattern: "/api/v1/billing/users/{id}/credit", Scopes: []model.Scope{model.ScopeBilling}, Summary: "Grant a temporary credit"},
		{Name: "userside.customers.get", Method: http.MethodGet, Pattern: "/api/v1/userside/customers/{id}", Scopes: []model.Scope{model.ScopeUserside}, Summary: "Get a UserSide customer card"},
		{Name: "analytics.summary", Method: http.MethodGet, Pattern: "/api/v1/analytics/summary", Scopes: []model.Scope{model.ScopeAnalytics}, Summary: "Subscriber and revenue summary"},
		{Name: "shared.tariffs.list", Method: http.MethodGet, Pattern: "/api/v1/shared/tariffs", Scopes: []model.Scope{model.ScopeShared}, Summary: "List tariffs"},
		{Name: "equipment.list", Method: http.MethodGet, Pattern: "/api/v1/equipment", Scopes: []model.Scope{model.ScopeEquipment}, Summary: "List network equipment"},
		{Name: "cabinet.profile.get", Method: http.MethodGet, Pattern: "/api/v1/cabinet/profile", Scopes: []model.Scope{model.ScopeCabinetIntelekt}, Summary: "Subscriber cabinet profile"},
		{Name: "public.status", Method: http.MethodGet, Pattern: "/api/v1/public/status", Summary: "Service status"},
	}
}

// RoutesFromConfig converts configured routes, falling back to the default
// table when none are configured.
func RoutesFromConfig(in []config.RouteYAML) ([]Route, error) {
	if len(in) == 0 {
		return DefaultRoutes(), nil
	}
	out := make([]Route, 0, len(in))
	for i, r := range in {
		scopes, err := model.ParseScopes(r.Scopes)
		if err != nil {
			return nil, fmt.Errorf("route %d (%s): %w", i, r.Name, err)
		}
		method := strings.ToUpper(strings.TrimSpace(r.Method))
		if method == "" {
			method = http.MethodGet
		}
		out = append(out, Route{
			Name:    strings.TrimSpace(r.Name),
			Method:  method,
			Pattern: strings.TrimSpace(r.Pattern),
			Scopes:  scopes,
		})
	}
	return out, nil
}

// RouteTable is an immutable, validated set of routes.
type RouteTable struct {
	routes []Route
	byName map[string]Route
}

// NewRouteTable validates routes: names must be unique, patterns absolute,
// and no two routes may share a method and pattern.
func NewRouteTable(routes []Route) (*RouteTable, error) {
	t := &RouteTable{
		routes: make([]Route, 0, len(routes)),
		byName: make(map[string]Route, len(routes)),
	}
	seen := make(map[string]string, len(routes))
	for _, r := range routes {
		if r.Name == "" {
			return nil, fmt.Errorf("route %s %s has no name", r.Method, r.Pattern)
		}
		if !strings.HasPrefix(r.Pattern, "/") {
			return nil, fmt.Errorf("route %s: pattern %q must start with /", r.Name, r.Pattern)
		}
		if _, dup := t.byName[r.Name]; dup {
			return nil, fmt.Errorf("duplicate route name %q", r.Name)
		}
		key := r.Method + " " + r.Pattern
		if other, dup := seen[key]; dup {
			return nil, fmt.Errorf("routes %q and %q both handle %s", other, r.Name, key)
		}
		for _, s := range r.Scopes {
			if !s.Valid() {
				return nil, fmt.Errorf("route %s: unknown scope %q", r.Name, s)
			}
		}
		seen[key] = r.Name
		t.byName[r.Name] = r
		t.routes = append(t.routes, r)
	}
	return t, nil
}

// Routes returns the routes in declaration order.
func (t *RouteTable) Routes() []Route {
	return append([]Route(nil), t.routes...)
}

// Lookup returns the route with the given name.
func (t *RouteTable) Lookup(name string) (Route, bool) {
	r, ok := t.byName[name]
	return r, ok
}

// Has reports whether a route with the given name exists.
func (t *RouteTable) Has(name string) bool {
	_, ok := t.byName[name]
	return ok
}
