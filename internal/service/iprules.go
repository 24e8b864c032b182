package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/model"
)

const (
	defaultRuleCacheSize = 4096
	defaultRuleCacheTTL  = 5 * time.Minute
	defaultLookupTimeout = 2 * time.Second
)

// Deny reasons reported by Evaluate.
const (
	ReasonBlacklisted    = "blacklisted"
	ReasonNotWhitelisted = "not_whitelisted"
	ReasonGlobalBlock    = "global_block"
)

// Verdict is the result of an IP rule evaluation.
type Verdict struct {
	Allowed bool
	Reason  string
}

// EvaluateRules applies a token's rule set to a client IP. A matching
// BLACKLIST entry always denies. Otherwise, when any WHITELIST entry exists
// the IP must be listed. With no rules everything is allowed.
func EvaluateRules(rules []model.IPRule, ip string) Verdict {
	ip = NormalizeIP(ip)
	hasWhitelist := false
	whitelisted := false
	for _, r := range rules {
		switch r.Type {
		case model.IPRuleBlacklist:
			if r.IPAddress == ip {
				return Verdict{Reason: ReasonBlacklisted}
			}
		case model.IPRuleWhitelist:
			hasWhitelist = true
			if r.IPAddress == ip {
				whitelisted = true
			}
		}
	}
	if hasWhitelist && !whitelisted {
		return Verdict{Reason: ReasonNotWhitelisted}
	}
	return Verdict{Allowed: true}
}

// NormalizeIP returns the canonical text form of an IP literal, or the
// trimmed input when it does not parse.
func NormalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if parsed := net.ParseIP(ip); parsed != nil {
		return parsed.String()
	}
	return ip
}

// IPRuleOptions configures an IPRuleService.
type IPRuleOptions struct {
	CacheSize     int
	CacheTTL      time.Duration
	LookupTimeout time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

// RuleStore is the part of the config store the IP rule service uses.
type RuleStore interface {
	GetToken(ctx context.Context, id int64) (*model.APIToken, error)
	ListIPRules(ctx context.Context, tokenID int64) ([]model.IPRule, error)
	CreateIPRule(ctx context.Context, rule *model.IPRule) error
	DeleteIPRule(ctx context.Context, tokenID, ruleID int64) error
	ListBlockedIPs(ctx context.Context) ([]model.BlockedIP, error)
	CreateBlockedIP(ctx context.Context, block *model.BlockedIP) error
	DeleteBlockedIP(ctx context.Context, ip string) error
}

// IPRuleService owns per-token IP rules and the global blocklist. Rule sets
// are cached per token in an expirable LRU and invalidated on mutation; the
// blocklist is held in memory in full.
type IPRuleService struct {
	store   RuleStore
	cache   *expirable.LRU[int64, []model.IPRule]
	loads   singleflight.Group
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger

	// gens counts rule mutations per token. A load only fills the cache
	// when no mutation happened while it was reading.
	genMu sync.Mutex
	gens  map[int64]uint64

	blockMu sync.Mutex
	blocks  atomic.Pointer[map[string]model.BlockedIP]
}

// NewIPRuleService creates the service and loads the global blocklist.
func NewIPRuleService(ctx context.Context, store RuleStore, opts IPRuleOptions) (*IPRuleService, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultRuleCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultRuleCacheTTL
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = defaultLookupTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &IPRuleService{
		store:   store,
		cache:   expirable.NewLRU[int64, []model.IPRule](opts.CacheSize, nil, opts.CacheTTL),
		gens:    make(map[int64]uint64),
		timeout: opts.LookupTimeout,
		now:     opts.Now,
		logger:  opts.Logger,
	}
	if err := s.ReloadBlocks(ctx); err != nil {
		return nil, fmt.Errorf("load blocklist: %w", err)
	}
	return s, nil
}

// Evaluate checks clientIP against the rules of tokenID. Rules come from the
// cache; a miss loads them from the store under the lookup timeout. A load
// failure is returned as an error and the caller must fail closed.
func (s *IPRuleService) Evaluate(ctx context.Context, tokenID int64, clientIP string) (Verdict, error) {
	rules, err := s.rules(ctx, tokenID)
	if err != nil {
		return Verdict{}, err
	}
	return EvaluateRules(rules, clientIP), nil
}

func (s *IPRuleService) rules(ctx context.Context, tokenID int64) ([]model.IPRule, error) {
	if rules, ok := s.cache.Get(tokenID); ok {
		return rules, nil
	}
	v, err, _ := s.loads.Do(loadKey(tokenID), func() (interface{}, error) {
		gen := s.generation(tokenID)
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		rules, err := s.store.ListIPRules(lctx, tokenID)
		if err != nil {
			return nil, err
		}
		s.genMu.Lock()
		if s.gens[tokenID] == gen {
			s.cache.Add(tokenID, rules)
		}
		s.genMu.Unlock()
		return rules, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load ip rules for token %d: %w", tokenID, err)
	}
	return v.([]model.IPRule), nil
}

func loadKey(tokenID int64) string {
	return strconv.FormatInt(tokenID, 10)
}

func (s *IPRuleService) generation(tokenID int64) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.gens[tokenID]
}

// invalidate drops the cached rules of a token after a mutation. Loads that
// started earlier neither fill the cache nor get joined by later callers.
func (s *IPRuleService) invalidate(tokenID int64) {
	s.genMu.Lock()
	s.gens[tokenID]++
	s.cache.Remove(tokenID)
	s.genMu.Unlock()
	s.loads.Forget(loadKey(tokenID))
}

// ListRules returns the rules of a token straight from the store.
func (s *IPRuleService) ListRules(ctx context.Context, tokenID int64) ([]model.IPRule, error) {
	if _, err := s.store.GetToken(ctx, tokenID); err != nil {
		return nil, err
	}
	return s.store.ListIPRules(ctx, tokenID)
}

// AddRule attaches a WHITELIST or BLACKLIST entry to a token. ip must be a
// single IP literal; ranges are not accepted.
func (s *IPRuleService) AddRule(ctx context.Context, tokenID int64, ruleType model.IPRuleType, ip, description string) (*model.IPRule, error) {
	ruleType = model.IPRuleType(strings.ToUpper(string(ruleType)))
	if !ruleType.Valid() {
		return nil, fmt.Errorf("%w: rule type must be WHITELIST or BLACKLIST", ErrInvalidInput)
	}
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return nil, fmt.Errorf("%w: %q is not an IP address", ErrInvalidInput, ip)
	}
	if _, err := s.store.GetToken(ctx, tokenID); err != nil {
		return nil, err
	}

	rule := &model.IPRule{
		TokenID:     tokenID,
		Type:        ruleType,
		IPAddress:   parsed.String(),
		Description: description,
	}
	if err := s.store.CreateIPRule(ctx, rule); err != nil {
		return nil, err
	}
	s.invalidate(tokenID)
	return rule, nil
}

// RemoveRule deletes a rule belonging to tokenID.
func (s *IPRuleService) RemoveRule(ctx context.Context, tokenID, ruleID int64) error {
	if err := s.store.DeleteIPRule(ctx, tokenID, ruleID); err != nil {
		return err
	}
	s.invalidate(tokenID)
	return nil
}

// ---------------------------------------------------------------------------
// Global blocklist
// ---------------------------------------------------------------------------

// ReloadBlocks replaces the in-memory blocklist with the store's contents.
func (s *IPRuleService) ReloadBlocks(ctx context.Context) error {
	s.blockMu.Lock()
	defer s.blockMu.Unlock()

	list, err := s.store.ListBlockedIPs(ctx)
	if err != nil {
		return err
	}
	m := make(map[string]model.BlockedIP, len(list))
	for _, b := range list {
		m[b.IPAddress] = b
	}
	s.blocks.Store(&m)
	return nil
}

// IsBlocked reports whether ip is under an active global block. It never
// touches the store.
func (s *IPRuleService) IsBlocked(ip string) bool {
	m := s.blocks.Load()
	if m == nil {
		return false
	}
	b, ok := (*m)[NormalizeIP(ip)]
	return ok && b.Active(s.now())
}

// Block adds a global block. A zero ttl blocks until removed. Blocking an
// IP that already has an expired block replaces it.
func (s *IPRuleService) Block(ctx context.Context, ip, reason, blockedBy string, ttl time.Duration) (*model.BlockedIP, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return nil, fmt.Errorf("%w: %q is not an IP address", ErrInvalidInput, ip)
	}
	b := &model.BlockedIP{
		IPAddress: parsed.String(),
		Reason:    reason,
		BlockedBy: blockedBy,
	}
	if ttl > 0 {
		exp := s.now().Add(ttl).UTC()
		b.ExpiresAt = &exp
	}

	s.blockMu.Lock()
	defer s.blockMu.Unlock()

	if m := s.blocks.Load(); m != nil {
		if cur, ok := (*m)[b.IPAddress]; ok && !cur.Active(s.now()) {
			if err := s.store.DeleteBlockedIP(ctx, b.IPAddress); err != nil && !errors.Is(err, config.ErrNotFound) {
				return nil, err
			}
		}
	}
	if err := s.store.CreateBlockedIP(ctx, b); err != nil {
		return nil, err
	}
	s.setBlock(b.IPAddress, b)
	return b, nil
}

// Unblock lifts a global block.
func (s *IPRuleService) Unblock(ctx context.Context, ip string) error {
	ip = NormalizeIP(ip)
	s.blockMu.Lock()
	defer s.blockMu.Unlock()

	if err := s.store.DeleteBlockedIP(ctx, ip); err != nil {
		return err
	}
	s.setBlock(ip, nil)
	return nil
}

// ListBlocks returns every global block from the store.
func (s *IPRuleService) ListBlocks(ctx context.Context) ([]model.BlockedIP, error) {
	return s.store.ListBlockedIPs(ctx)
}

// setBlock publishes a copy of the blocklist with ip set or removed.
// Callers hold blockMu.
func (s *IPRuleService) setBlock(ip string, b *model.BlockedIP) {
	next := make(map[string]model.BlockedIP)
	if cur := s.blocks.Load(); cur != nil {
		for k, v := range *cur {
			next[k] = v
		}
	}
	if b == nil {
		delete(next, ip)
	} else {
		next[ip] = *b
	}
	s.blocks.Store(&next)
}
