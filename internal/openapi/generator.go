package openapi

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/tollgate/tollgate/internal/gateway"
	"github.com/tollgate/tollgate/internal/model"
)

// RequiredScopesExtension lists the scopes a token needs for an operation.
const RequiredScopesExtension = "x-required-scopes"

var pathParamRe = regexp.MustCompile(`\{([^}:]+)(?::[^}]*)?\}`)

// GenerateGatewaySpec builds the OpenAPI 3.1 document for the gateway routes.
// Scoped routes require the bearer scheme and carry their scopes in
// x-required-scopes; public routes declare no security.
func GenerateGatewaySpec(routes []gateway.Route, baseURL, version string) *openapi3.T {
	if version == "" {
		version = "1.0.0"
	}
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "Tollgate API",
			Description: "ISP integration API. Every scoped route needs an API token in the Authorization header.",
			Version:     version,
		},
		Servers: openapi3.Servers{
			{URL: baseURL},
		},
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes["bearerAuth"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "tg_<64 hex>",
			Description:  "API token issued by an operator. Shown once at creation or rotation.",
		},
	}
	doc.Security = openapi3.SecurityRequirements{
		{"bearerAuth": {}},
	}
	doc.Components.Schemas["ErrorResponse"] = errorResponseSchema()

	doc.Paths = openapi3.NewPaths()
	for _, r := range routes {
		addRoute(doc, r)
	}
	return doc
}

// addRoute adds one gateway route to doc.
func addRoute(doc *openapi3.T, r gateway.Route) {
	path := pathParamRe.ReplaceAllString(r.Pattern, "{$1}")

	op := &openapi3.Operation{
		Tags:        []string{tagFor(r)},
		Summary:     r.Summary,
		OperationID: strings.ReplaceAll(r.Name, ".", "_"),
		Parameters:  pathParameters(r.Pattern),
		Responses:   routeResponses(r),
	}
	if op.Summary == "" {
		op.Summary = fmt.Sprintf("%s %s", r.Method, r.Pattern)
	}

	if r.Public() {
		op.Security = &openapi3.SecurityRequirements{}
		op.Description = "Public route. Only the per-IP rate limit and the global blocklist apply."
	} else {
		scopes := make([]string, len(r.Scopes))
		for i, s := range r.Scopes {
			scopes[i] = string(s)
		}
		op.Extensions = map[string]interface{}{RequiredScopesExtension: scopes}
		op.Description = "Requires scopes: " + strings.Join(scopes, ", ") + "."
	}
	if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
		op.RequestBody = &openapi3.RequestBodyRef{
			Value: &openapi3.RequestBody{
				Content: openapi3.NewContentWithJSONSchema(openapi3.NewObjectSchema()),
			},
		}
	}

	item := doc.Paths.Value(path)
	if item == nil {
		item = &openapi3.PathItem{}
		doc.Paths.Set(path, item)
	}
	item.SetOperation(r.Method, op)
}

// tagFor groups routes by the first segment of their name.
func tagFor(r gateway.Route) string {
	if i := strings.IndexByte(r.Name, '.'); i > 0 {
		return r.Name[:i]
	}
	return r.Name
}

func pathParameters(pattern string) openapi3.Parameters {
	var params openapi3.Parameters
	for _, m := range pathParamRe.FindAllStringSubmatch(pattern, -1) {
		params = append(params, &openapi3.ParameterRef{
			Value: openapi3.NewPathParameter(m[1]).WithSchema(openapi3.NewStringSchema()),
		})
	}
	return params
}

// routeResponses builds the success response plus every rejection the
// admission pipeline can produce for the route.
func routeResponses(r gateway.Route) *openapi3.Responses {
	responses := openapi3.NewResponses()
	errorRef := openapi3.NewSchemaRef("#/components/schemas/ErrorResponse", nil)

	set := func(code, desc string, headers openapi3.Headers) {
		d := desc
		responses.Set(code, &openapi3.ResponseRef{
			Value: &openapi3.Response{
				Description: &d,
				Headers:     headers,
				Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
			},
		})
	}

	ok := "Forwarded to the upstream service"
	responses.Set("200", &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &ok,
			Headers:     rateLimitHeaders(false),
			Content:     openapi3.NewContentWithJSONSchema(openapi3.NewObjectSchema()),
		},
	})

	if !r.Public() {
		set("401", "Invalid token", nil)
		set("403", "IP address, scope, or endpoint denied", nil)
	} else {
		set("403", "IP address blocked", nil)
	}
	set("429", "Rate limit exceeded", rateLimitHeaders(true))
	set("502", "Upstream unavailable", nil)
	set("503", "Gateway dependency unavailable", nil)
	return responses
}

func rateLimitHeaders(withRetry bool) openapi3.Headers {
	intHeader := func(desc string) *openapi3.HeaderRef {
		return &openapi3.HeaderRef{
			Value: &openapi3.Header{
				Parameter: openapi3.Parameter{
					Description: desc,
					Schema:      openapi3.NewIntegerSchema().NewRef(),
				},
			},
		}
	}
	h := openapi3.Headers{
		"X-RateLimit-Limit":     intHeader("Requests allowed in the current window."),
		"X-RateLimit-Remaining": intHeader("Requests left in the current window."),
		"X-RateLimit-Reset":     intHeader("Unix time at which the window resets."),
	}
	if withRetry {
		h["Retry-After"] = intHeader("Seconds until the window resets.")
	}
	return h
}

func errorResponseSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"error": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type: &openapi3.Types{"object"},
						Properties: openapi3.Schemas{
							"code":    &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
							"message": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
							"context": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}},
						},
					},
				},
			},
		},
	}
}

// ScopeCatalog returns the known scopes with the route names each one opens.
func ScopeCatalog(routes []gateway.Route) map[model.Scope][]string {
	out := make(map[model.Scope][]string, len(model.AllScopes))
	for _, s := range model.AllScopes {
		out[s] = []string{}
	}
	for _, r := range routes {
		for _, s := range r.Scopes {
			out[s] = append(out[s], r.Name)
		}
	}
	return out
}
