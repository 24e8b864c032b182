package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/model"
)

const (
	// SecretPrefix starts every raw token secret.
	SecretPrefix = "tg_"
	// secretBytes of randomness are hex-encoded after SecretPrefix.
	secretBytes = 32
	// prefixLen is the stored, non-secret lookup prefix: "tg_" plus 8 hex.
	prefixLen = len(SecretPrefix) + 8
	// DefaultTokenRateLimit applies when a new token does not set one.
	DefaultTokenRateLimit = 100
	// touchInterval debounces last-used writes per token.
	touchInterval = time.Minute
)

// snapshot is an immutable view of every token, indexed for resolution.
// It is replaced wholesale on every mutation.
type snapshot struct {
	byPrefix map[string][]*model.APIToken
	byID     map[int64]*model.APIToken
}

func buildSnapshot(tokens []model.APIToken) *snapshot {
	snap := &snapshot{
		byPrefix: make(map[string][]*model.APIToken, len(tokens)),
		byID:     make(map[int64]*model.APIToken, len(tokens)),
	}
	for i := range tokens {
		tok := &tokens[i]
		snap.byID[tok.ID] = tok
		snap.byPrefix[tok.SecretPrefix] = append(snap.byPrefix[tok.SecretPrefix], tok)
	}
	return snap
}

func (s *snapshot) tokens() []model.APIToken {
	out := make([]model.APIToken, 0, len(s.byID))
	for _, tok := range s.byID {
		out = append(out, *tok)
	}
	return out
}

// TokenRegistryOptions configures a TokenRegistry.
type TokenRegistryOptions struct {
	// KnownRoute validates allowed_endpoints entries. Nil accepts any name.
	KnownRoute func(name string) bool
	Now        func() time.Time
	Logger     *slog.Logger
}

// TokenRegistry resolves raw secrets against an in-memory snapshot of the
// token table. Reads are lock-free; writers serialize on mu, persist to the
// store, and then publish a new snapshot.
type TokenRegistry struct {
	store      *config.Store
	snap       atomic.Pointer[snapshot]
	mu         sync.Mutex
	knownRoute func(string) bool
	now        func() time.Time
	logger     *slog.Logger

	touched sync.Map // token id -> time.Time of last persisted touch
}

// NewTokenRegistry loads the current token table. It fails if the initial
// load fails, since no request can be admitted without it.
func NewTokenRegistry(ctx context.Context, store *config.Store, opts TokenRegistryOptions) (*TokenRegistry, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &TokenRegistry{
		store:      store,
		knownRoute: opts.KnownRoute,
		now:        opts.Now,
		logger:     opts.Logger,
	}
	if err := r.Reload(ctx); err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	return r, nil
}

// Reload replaces the snapshot with the store's current contents. On error
// the previous snapshot stays in place.
func (r *TokenRegistry) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tokens, err := r.store.ListTokens(ctx)
	if err != nil {
		return err
	}
	r.snap.Store(buildSnapshot(tokens))
	return nil
}

// Run reloads the snapshot every interval until ctx is done, so that edits
// made by other processes sharing the database are picked up.
func (r *TokenRegistry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reload(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("token reload failed, keeping last snapshot", "error", err)
			}
		}
	}
}

// Resolve authenticates a raw secret. It returns ErrTokenInvalid for a
// missing, malformed, or unknown secret, ErrTokenInactive for a disabled
// token, and ErrTokenExpired for a token past its expiry. The returned
// token is a copy.
func (r *TokenRegistry) Resolve(raw string) (*model.APIToken, error) {
	if !wellFormedSecret(raw) {
		return nil, ErrTokenInvalid
	}
	snap := r.snap.Load()
	if snap == nil {
		return nil, ErrTokenInvalid
	}

	hash := []byte(config.HashSecret(raw))
	var found *model.APIToken
	for _, cand := range snap.byPrefix[raw[:prefixLen]] {
		if subtle.ConstantTimeCompare(hash, []byte(cand.SecretHash)) == 1 {
			found = cand
		}
	}
	if found == nil {
		return nil, ErrTokenInvalid
	}
	if !found.IsActive {
		return nil, ErrTokenInactive
	}
	if found.Expired(r.now()) {
		return nil, ErrTokenExpired
	}
	tok := *found
	return &tok, nil
}

// Lookup returns the cached token with id, whatever its state.
func (r *TokenRegistry) Lookup(id int64) (*model.APIToken, bool) {
	snap := r.snap.Load()
	if snap == nil {
		return nil, false
	}
	tok, ok := snap.byID[id]
	if !ok {
		return nil, false
	}
	cp := *tok
	return &cp, true
}

// MarkUsed records that a token admitted a request. The write happens in
// the background and at most once per token per minute.
func (r *TokenRegistry) MarkUsed(id int64) {
	now := r.now()
	if last, ok := r.touched.Load(id); ok && now.Sub(last.(time.Time)) < touchInterval {
		return
	}
	r.touched.Store(id, now)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.TouchTokenLastUsed(ctx, id, now); err != nil {
			r.logger.Warn("record token last used failed", "token_id", id, "error", err)
		}
	}()
}

// CreateTokenInput holds the operator-supplied fields of a new token.
type CreateTokenInput struct {
	DisplayName        string     `json:"display_name"`
	Description        string     `json:"description"`
	Scopes             []string   `json:"scopes"`
	AllowedEndpoints   []string   `json:"allowed_endpoints"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute"`
	ExpiresAt          *time.Time `json:"expires_at"`
}

// Create validates in, stores a new token, and returns it together with
// its raw secret. The secret is never retrievable again.
func (r *TokenRegistry) Create(ctx context.Context, in CreateTokenInput, createdBy string) (*model.APIToken, string, error) {
	name := strings.TrimSpace(in.DisplayName)
	if name == "" {
		return nil, "", fmt.Errorf("%w: display_name is required", ErrInvalidInput)
	}
	scopes, err := parseScopes(in.Scopes)
	if err != nil {
		return nil, "", err
	}
	limit := in.RateLimitPerMinute
	if limit == 0 {
		limit = DefaultTokenRateLimit
	}
	if limit < 0 {
		return nil, "", fmt.Errorf("%w: rate_limit_per_minute must be positive", ErrInvalidInput)
	}
	endpoints, err := r.checkEndpoints(in.AllowedEndpoints)
	if err != nil {
		return nil, "", err
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(r.now()) {
		return nil, "", fmt.Errorf("%w: expires_at must be in the future", ErrInvalidInput)
	}

	raw, err := GenerateSecret()
	if err != nil {
		return nil, "", err
	}
	tok := &model.APIToken{
		SecretHash:         config.HashSecret(raw),
		SecretPrefix:       raw[:prefixLen],
		DisplayName:        name,
		Description:        in.Description,
		Scopes:             scopes,
		AllowedEndpoints:   endpoints,
		RateLimitPerMinute: limit,
		IsActive:           true,
		ExpiresAt:          utcPtr(in.ExpiresAt),
		CreatedBy:          createdBy,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.CreateToken(ctx, tok); err != nil {
		return nil, "", err
	}
	r.publish(tok)
	return tok, raw, nil
}

// Get returns a token by id from the store.
func (r *TokenRegistry) Get(ctx context.Context, id int64) (*model.APIToken, error) {
	return r.store.GetToken(ctx, id)
}

// List returns every token from the store.
func (r *TokenRegistry) List(ctx context.Context) ([]model.APIToken, error) {
	return r.store.ListTokens(ctx)
}

// Update applies a partial update. Scopes, when present, must be a
// non-empty subset of the known scopes, and the rate limit must be positive.
func (r *TokenRegistry) Update(ctx context.Context, id int64, patch model.TokenPatch) (*model.APIToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tok, err := r.store.GetToken(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.DisplayName != nil {
		name := strings.TrimSpace(*patch.DisplayName)
		if name == "" {
			return nil, fmt.Errorf("%w: display_name must not be empty", ErrInvalidInput)
		}
		tok.DisplayName = name
	}
	if patch.Description != nil {
		tok.Description = *patch.Description
	}
	if patch.Scopes != nil {
		scopes, err := parseScopes(patch.Scopes)
		if err != nil {
			return nil, err
		}
		tok.Scopes = scopes
	}
	if patch.AllowedEndpoints != nil {
		endpoints, err := r.checkEndpoints(*patch.AllowedEndpoints)
		if err != nil {
			return nil, err
		}
		tok.AllowedEndpoints = endpoints
	}
	if patch.RateLimitPerMinute != nil {
		if *patch.RateLimitPerMinute <= 0 {
			return nil, fmt.Errorf("%w: rate_limit_per_minute must be positive", ErrInvalidInput)
		}
		tok.RateLimitPerMinute = *patch.RateLimitPerMinute
	}
	if patch.IsActive != nil {
		tok.IsActive = *patch.IsActive
	}
	switch {
	case patch.ClearExpiry:
		tok.ExpiresAt = nil
	case patch.ExpiresAt != nil:
		tok.ExpiresAt = utcPtr(patch.ExpiresAt)
	}

	if err := r.store.UpdateToken(ctx, tok); err != nil {
		return nil, err
	}
	r.publish(tok)
	return tok, nil
}

// Disable soft-deletes a token. Its history stays queryable.
func (r *TokenRegistry) Disable(ctx context.Context, id int64) (*model.APIToken, error) {
	inactive := false
	return r.Update(ctx, id, model.TokenPatch{IsActive: &inactive})
}

// publish swaps in a copy of the current snapshot with tok upserted.
// Callers hold r.mu.
func (r *TokenRegistry) publish(tok *model.APIToken) {
	var tokens []model.APIToken
	if cur := r.snap.Load(); cur != nil {
		tokens = cur.tokens()
	}
	replaced := false
	for i := range tokens {
		if tokens[i].ID == tok.ID {
			tokens[i] = *tok
			replaced = true
			break
		}
	}
	if !replaced {
		tokens = append(tokens, *tok)
	}
	r.snap.Store(buildSnapshot(tokens))
}

func (r *TokenRegistry) checkEndpoints(names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		if r.knownRoute != nil && !r.knownRoute(n) {
			return nil, fmt.Errorf("%w: unknown endpoint %q", ErrInvalidInput, n)
		}
		seen[n] = true
		out = append(out, n)
	}
	return out, nil
}

func parseScopes(raw []string) ([]model.Scope, error) {
	scopes, err := model.ParseScopes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if len(scopes) == 0 {
		return nil, fmt.Errorf("%w: at least one scope is required", ErrInvalidInput)
	}
	return scopes, nil
}

// GenerateSecret returns a new raw token secret: "tg_" followed by 64 hex
// characters of crypto/rand output.
func GenerateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return SecretPrefix + hex.EncodeToString(b), nil
}

func wellFormedSecret(raw string) bool {
	if len(raw) != len(SecretPrefix)+2*secretBytes || !strings.HasPrefix(raw, SecretPrefix) {
		return false
	}
	for _, c := range raw[len(SecretPrefix):] {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
