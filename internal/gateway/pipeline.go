package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tollgate/tollgate/internal/events"
	"github.com/tollgate/tollgate/internal/model"
	"github.com/tollgate/tollgate/internal/ratelimit"
	"github.com/tollgate/tollgate/internal/service"
)

// Stage names one step of the admission state machine.
type Stage string

const (
	StageAuthenticate Stage = "authenticate"
	StageIPRules      Stage = "ip_rules"
	StageRateLimit    Stage = "rate_limit"
	StageScope        Stage = "scope"
	StageEndpoint     Stage = "endpoint"
)

// Rate limit tiers, as reported in rejections and event metadata.
const (
	TierToken  = "token"
	TierGlobal = "global"
)

const defaultStageTimeout = 2 * time.Second

// TokenResolver authenticates raw bearer secrets.
type TokenResolver interface {
	Resolve(raw string) (*model.APIToken, error)
	MarkUsed(id int64)
}

// IPPolicy answers the IP stage: the global blocklist and per-token rules.
type IPPolicy interface {
	IsBlocked(ip string) bool
	Evaluate(ctx context.Context, tokenID int64, ip string) (service.Verdict, error)
}

// LimitSource supplies the operator-configured global per-IP limit.
type LimitSource interface {
	GetGlobalLimit(ctx context.Context) int
}

// Config wires a Pipeline to its collaborators.
type Config struct {
	Tokens   TokenResolver
	IPPolicy IPPolicy
	Limits   LimitSource
	Limiter  *ratelimit.Limiter
	Events   events.Sink

	// PerEndpointLimit gives each token a separate budget per route.
	PerEndpointLimit bool
	// StageTimeout bounds every lookup a stage makes.
	StageTimeout time.Duration
	Logger       *slog.Logger
	Now          func() time.Time

	// Observe, when set, is called as each stage starts.
	Observe func(Stage)
}

// Pipeline runs AUTHENTICATE, IP_RULES, RATE_LIMIT, SCOPE and ENDPOINT in
// order and stops at the first rejection.
type Pipeline struct {
	cfg Config
}

// New returns a Pipeline. Tokens, IPPolicy, Limits and Limiter are required.
func New(cfg Config) *Pipeline {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = defaultStageTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{cfg: cfg}
}

// Request is the part of an HTTP request the pipeline looks at.
type Request struct {
	Route         Route
	Authorization string
	ClientIP      string
}

// Admission is an accepted request. Token is nil on public routes.
type Admission struct {
	Route  Route
	Token  *model.APIToken
	Global ratelimit.Decision
	// TokenTier is the zero Decision on public routes.
	TokenTier ratelimit.Decision
}

// Headers returns the decision reported in X-RateLimit-* headers: the tier
// with the fewest remaining requests.
func (a *Admission) Headers() ratelimit.Decision {
	if a.Token == nil {
		return a.Global
	}
	if a.Global.Limit > 0 && a.Global.Remaining < a.TokenTier.Remaining {
		return a.Global
	}
	return a.TokenTier
}

// Admit evaluates req. Exactly one of the results is non-nil.
func (p *Pipeline) Admit(ctx context.Context, req Request) (*Admission, *Rejection) {
	if req.Route.Public() {
		return p.admitPublic(ctx, req)
	}

	p.observe(StageAuthenticate)
	tok, rej := p.authenticate(req)
	if rej != nil {
		p.reject(req, nil, rej)
		return nil, rej
	}

	p.observe(StageIPRules)
	if rej := p.checkIP(ctx, tok.ID, req.ClientIP); rej != nil {
		p.reject(req, &tok.ID, rej)
		return nil, rej
	}

	p.observe(StageRateLimit)
	adm := &Admission{Route: req.Route, Token: tok}
	tokenKey := ratelimit.TokenKey(tok.ID, "")
	if p.cfg.PerEndpointLimit {
		tokenKey = ratelimit.TokenKey(tok.ID, req.Route.Name)
	}
	tokenDec, tokenRes := p.cfg.Limiter.Take(tokenKey, tok.RateLimitPerMinute)
	adm.TokenTier = tokenDec
	if !tokenDec.Allowed {
		rej := rateRejection(TierToken, tokenDec)
		p.reject(req, &tok.ID, rej)
		return nil, rej
	}
	globalDec, globalRes, limited := p.takeGlobal(ctx, req.ClientIP)
	adm.Global = globalDec
	if limited {
		// Both tiers must pass; a global denial does not consume token budget.
		tokenRes.Release()
		rej := rateRejection(TierGlobal, globalDec)
		p.reject(req, &tok.ID, rej)
		return nil, rej
	}
	release := func() {
		tokenRes.Release()
		globalRes.Release()
	}

	p.observe(StageScope)
	if missing := missingScopes(tok, req.Route.Scopes); len(missing) > 0 {
		release()
		rej := scopeRejection(req.Route.Scopes, tok.Scopes)
		p.reject(req, &tok.ID, rej)
		return nil, rej
	}

	p.observe(StageEndpoint)
	if !endpointAllowed(tok, req.Route.Name) {
		release()
		rej := endpointRejection(req.Route.Name)
		p.reject(req, &tok.ID, rej)
		return nil, rej
	}

	p.cfg.Tokens.MarkUsed(tok.ID)
	return adm, nil
}

// admitPublic applies the global blocklist and the per-IP tier only.
func (p *Pipeline) admitPublic(ctx context.Context, req Request) (*Admission, *Rejection) {
	p.observe(StageIPRules)
	if p.cfg.IPPolicy.IsBlocked(req.ClientIP) {
		rej := ipRejection(service.ReasonGlobalBlock)
		p.reject(req, nil, rej)
		return nil, rej
	}

	p.observe(StageRateLimit)
	dec, _, limited := p.takeGlobal(ctx, req.ClientIP)
	if limited {
		rej := rateRejection(TierGlobal, dec)
		p.reject(req, nil, rej)
		return nil, rej
	}
	return &Admission{Route: req.Route, Global: dec}, nil
}

func (p *Pipeline) authenticate(req Request) (*model.APIToken, *Rejection) {
	raw, ok := bearerToken(req.Authorization)
	if !ok {
		return nil, tokenRejection(KindTokenInvalid, "missing_bearer")
	}
	tok, err := p.cfg.Tokens.Resolve(raw)
	switch {
	case err == nil:
		return tok, nil
	case errors.Is(err, service.ErrTokenInactive):
		return nil, tokenRejection(KindTokenInactive, "token_inactive")
	case errors.Is(err, service.ErrTokenExpired):
		return nil, tokenRejection(KindTokenExpired, "token_expired")
	default:
		return nil, tokenRejection(KindTokenInvalid, "unknown_token")
	}
}

func (p *Pipeline) checkIP(ctx context.Context, tokenID int64, ip string) *Rejection {
	if p.cfg.IPPolicy.IsBlocked(ip) {
		return ipRejection(service.ReasonGlobalBlock)
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()
	verdict, err := p.cfg.IPPolicy.Evaluate(ctx, tokenID, ip)
	if err != nil {
		return unavailableRejection(StageIPRules, err)
	}
	if !verdict.Allowed {
		return ipRejection(verdict.Reason)
	}
	return nil
}

// takeGlobal charges the per-IP tier. A non-positive limit disables it.
func (p *Pipeline) takeGlobal(ctx context.Context, ip string) (ratelimit.Decision, *ratelimit.Reservation, bool) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	limit := p.cfg.Limits.GetGlobalLimit(ctx)
	cancel()
	if limit <= 0 {
		return ratelimit.Decision{Allowed: true}, nil, false
	}
	dec, res := p.cfg.Limiter.Take(ratelimit.GlobalKey(ip), limit)
	return dec, res, !dec.Allowed
}

func (p *Pipeline) observe(s Stage) {
	if p.cfg.Observe != nil {
		p.cfg.Observe(s)
	}
}

// reject logs rej and records its security event.
func (p *Pipeline) reject(req Request, tokenID *int64, rej *Rejection) {
	attrs := []any{
		"kind", rej.Kind,
		"reason", rej.Internal,
		"route", req.Route.Name,
		"client_ip", req.ClientIP,
	}
	if tokenID != nil {
		attrs = append(attrs, "token_id", *tokenID)
	}
	if rej.Kind == KindUnavailable {
		p.cfg.Logger.Error("admission dependency failed", attrs...)
		return
	}
	p.cfg.Logger.Info("request rejected", attrs...)

	evType, ok := rej.EventType()
	if !ok || p.cfg.Events == nil {
		return
	}
	p.cfg.Events.Record(model.SecurityEvent{
		EventType: evType,
		TokenID:   tokenID,
		IPAddress: req.ClientIP,
		Endpoint:  req.Route.Method + " " + req.Route.Pattern,
		CreatedAt: p.cfg.Now(),
		Metadata:  eventMetadata(req, rej),
	})
}

func eventMetadata(req Request, rej *Rejection) map[string]string {
	md := map[string]string{"route": req.Route.Name}
	switch rej.Kind {
	case KindTokenInvalid, KindTokenInactive, KindTokenExpired:
		md["reason"] = rej.Internal
	case KindIPBlocked:
		md["reason"] = rej.Internal
	case KindRateLimited:
		md["tier"] = rej.Tier
		md["limit"] = strconv.Itoa(rej.Limit)
		md["retry_after"] = strconv.Itoa(rej.RetryAfter)
	case KindScopeDenied:
		md["required"] = joinScopes(rej.Required)
		md["granted"] = joinScopes(rej.Granted)
	case KindEndpointDenied:
		md["reason"] = "endpoint_not_allowed"
	}
	return md
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	raw := strings.TrimSpace(header[len(prefix):])
	return raw, raw != ""
}

func missingScopes(tok *model.APIToken, required []model.Scope) []model.Scope {
	var missing []model.Scope
	for _, s := range required {
		if !tok.HasScope(s) {
			missing = append(missing, s)
		}
	}
	return missing
}

func endpointAllowed(tok *model.APIToken, route string) bool {
	if len(tok.AllowedEndpoints) == 0 {
		return true
	}
	for _, name := range tok.AllowedEndpoints {
		if name == route {
			return true
		}
	}
	return false
}

func joinScopes(scopes []model.Scope) string {
	parts := make([]string, len(scopes))
	for i, s := range scopes {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

type contextKey string

const admissionKey contextKey = "gateway_admission"

// GetAdmission returns the admission attached by Middleware, or nil.
func GetAdmission(ctx context.Context) *Admission {
	if a, ok := ctx.Value(admissionKey).(*Admission); ok {
		return a
	}
	return nil
}

// ClientIP returns the canonical remote IP of r. Run chi's RealIP
// middleware first when the gateway sits behind a trusted proxy.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return service.NormalizeIP(host)
}

// Middleware admits requests for route and rejects the rest with the
// standard error envelope.
func (p *Pipeline) Middleware(route Route) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			adm, rej := p.Admit(r.Context(), Request{
				Route:         route,
				Authorization: r.Header.Get("Authorization"),
				ClientIP:      ClientIP(r),
			})
			if rej != nil {
				WriteRejection(w, rej)
				return
			}
			setLimitHeaders(w.Header(), adm.Headers())
			ctx := context.WithValue(r.Context(), admissionKey, adm)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WriteRejection writes rej as a JSON error response.
func WriteRejection(w http.ResponseWriter, rej *Rejection) {
	h := w.Header()
	if rej.Kind == KindRateLimited {
		h.Set("Retry-After", strconv.Itoa(rej.RetryAfter))
		setLimitHeaders(h, ratelimit.Decision{Limit: rej.Limit, ResetAt: rej.ResetAt})
	}
	if rej.Status == http.StatusUnauthorized {
		h.Set("WWW-Authenticate", `Bearer realm="tollgate"`)
	}
	h.Set("Content-Type", "application/json")
	w.WriteHeader(rej.Status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    rej.Status,
			Message: rej.Message,
			Context: rej.Context(),
		},
	})
}

func setLimitHeaders(h http.Header, d ratelimit.Decision) {
	if d.Limit <= 0 {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}
