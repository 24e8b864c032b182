package openapi

import (
	"encoding/json"
	"net/http"
	"reflect"
	"strings"
	"testing"

	"github.com/tollgate/tollgate/internal/gateway"
	"github.com/tollgate/tollgate/internal/model"
)

func TestGenerateGatewaySpec_Routes(t *testing.T) {
	doc := GenerateGatewaySpec(gateway.DefaultRoutes(), "http://localhost:8080", "1.2.3")

	if doc.OpenAPI != "3.1.0" || doc.Info.Version != "1.2.3" {
		t.Errorf("header = %s %s", doc.OpenAPI, doc.Info.Version)
	}
	if doc.Components.SecuritySchemes["bearerAuth"] == nil {
		t.Fatal("missing bearerAuth scheme")
	}

	item := doc.Paths.Value("/api/v1/billing/users/{id}")
	if item == nil || item.Get == nil {
		t.Fatal("missing GET /api/v1/billing/users/{id}")
	}
	op := item.Get
	if op.OperationID != "billing_users_get" {
		t.Errorf("operationId = %q", op.OperationID)
	}
	if len(op.Tags) != 1 || op.Tags[0] != "billing" {
		t.Errorf("tags = %v", op.Tags)
	}
	if len(op.Parameters) != 1 || op.Parameters[0].Value.Name != "id" || op.Parameters[0].Value.In != "path" {
		t.Errorf("parameters = %+v", op.Parameters)
	}
	if got := op.Extensions[RequiredScopesExtension]; !reflect.DeepEqual(got, []string{"BILLING"}) {
		t.Errorf("%s = %v", RequiredScopesExtension, got)
	}
	for _, code := range []string{"200", "401", "403", "429"} {
		if op.Responses.Value(code) == nil {
			t.Errorf("missing %s response", code)
		}
	}
	if op.Responses.Value("429").Value.Headers["Retry-After"] == nil {
		t.Error("429 lacks Retry-After header")
	}
}

func TestGenerateGatewaySpec_PublicRoute(t *testing.T) {
	doc := GenerateGatewaySpec(gateway.DefaultRoutes(), "", "")
	op := doc.Paths.Value("/api/v1/public/status").Get
	if op == nil {
		t.Fatal("missing public route")
	}
	if op.Security == nil || len(*op.Security) != 0 {
		t.Errorf("public route security = %v, want empty override", op.Security)
	}
	if op.Responses.Value("401") != nil {
		t.Error("public route documents 401")
	}
	if _, ok := op.Extensions[RequiredScopesExtension]; ok {
		t.Error("public route has required scopes")
	}
}

func TestGenerateGatewaySpec_RequestBody(t *testing.T) {
	doc := GenerateGatewaySpec(gateway.DefaultRoutes(), "", "")
	item := doc.Paths.Value("/api/v1/billing/users/{id}/credit")
	if item == nil || item.Post == nil || item.Post.RequestBody == nil {
		t.Fatal("POST credit route lacks a request body")
	}
	if item.Get != nil {
		t.Error("unexpected GET on credit route")
	}
}

func TestGenerateGatewaySpec_JSON(t *testing.T) {
	routes := []gateway.Route{
		{Name: "crm.leads", Method: http.MethodGet, Pattern: "/api/v1/crm/{region}/leads", Scopes: []model.Scope{model.ScopeShared, model.ScopeAnalytics}},
	}
	b, err := json.Marshal(GenerateGatewaySpec(routes, "https://api.example.net", "dev"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(b)
	for _, want := range []string{`"x-required-scopes":["SHARED","ANALYTICS"]`, `"/api/v1/crm/{region}/leads"`, `"https://api.example.net"`} {
		if !strings.Contains(s, want) {
			t.Errorf("document lacks %s", want)
		}
	}
}

func TestPathParameters(t *testing.T) {
	params := pathParameters("/a/{id}/b/{slug:[a-z]+}")
	if len(params) != 2 || params[0].Value.Name != "id" || params[1].Value.Name != "slug" {
		t.Errorf("params = %+v", params)
	}
	if len(pathParameters("/plain")) != 0 {
		t.Error("plain path has parameters")
	}
}

func TestScopeCatalog(t *testing.T) {
	cat := ScopeCatalog(gateway.DefaultRoutes())
	if len(cat[model.ScopeBilling]) != 4 {
		t.Errorf("BILLING opens %v", cat[model.ScopeBilling])
	}
	if got := cat[model.ScopeCabinetIntelekt]; len(got) != 1 || got[0] != "cabinet.profile.get" {
		t.Errorf("CABINET_INTELEKT opens %v", got)
	}
	if len(cat) != len(model.AllScopes) {
		t.Errorf("catalog has %d scopes", len(cat))
	}
}
