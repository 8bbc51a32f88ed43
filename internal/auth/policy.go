package auth

import (
	"fmt"
	"net/http"
	"path"
	"strings"
)

// RequirementKind はルールが要求するアクセス条件の種類です。
type RequirementKind int

const (
	RequirePublic RequirementKind = iota
	RequireAuthenticated
	RequireRole
	RequireDenied
)

// Requirement はパスに適用されるアクセス条件です。
type Requirement struct {
	Kind RequirementKind
	Role Role
}

var (
	Public        = Requirement{Kind: RequirePublic}
	Authenticated = Requirement{Kind: RequireAuthenticated}
	DenyAll       = Requirement{Kind: RequireDenied}
)

// HasRole は指定ロールを要求する条件を返します。
func HasRole(role Role) Requirement {
	return Requirement{Kind: RequireRole, Role: role}
}

func (r Requirement) String() string {
	switch r.Kind {
	case RequirePublic:
		return "public"
	case RequireAuthenticated:
		return "authenticated"
	case RequireRole:
		return "role:" + r.Role.Name
	case RequireDenied:
		return "deny"
	default:
		return "unknown"
	}
}

// ParseRequirement は設定値 (authenticated, deny, permit) を Requirement に変換します。
func ParseRequirement(value string) (Requirement, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "authenticated":
		return Authenticated, nil
	case "deny":
		return DenyAll, nil
	case "permit", "public":
		return Public, nil
	default:
		return Requirement{}, fmt.Errorf("unknown access requirement: %q", value)
	}
}

// Rule はパスパターンとアクセス条件の組です。
type Rule struct {
	Patterns    []string
	Requirement Requirement
}

// DefaultRules は店舗 API のルール表です。上から順に評価され、最初に一致したものが採用されます。
// /api/admin/** は /api/user/** より前に置く必要があります。
func DefaultRules() []Rule {
	return []Rule{
		{Patterns: []string{"/api/order/**", "/api/cart/**"}, Requirement: HasRole(RoleUser)},
		{Patterns: []string{"/api/admin/**"}, Requirement: HasRole(RoleAdmin)},
		{Patterns: []string{"/api/user/**"}, Requirement: Authenticated},
		{Patterns: []string{"/api/items/**"}, Requirement: Public},
		{Patterns: []string{"/swagger-ui.html"}, Requirement: Authenticated},
	}
}

// DefaultIgnored はセキュリティチェックを完全に迂回するパスです。
func DefaultIgnored() []string {
	return []string{"/api/user/register", "/api/user/password/forget"}
}

// Outcome は認可判定の結果です。
type Outcome int

const (
	Allow Outcome = iota
	DenyUnauthenticated
	DenyForbidden
	// DenyMalformed は . や .. や空セグメントを含むパスへの拒否です。
	DenyMalformed
)

// Decision は Policy.Decide の戻り値です。
type Decision struct {
	Outcome Outcome
	// Ignored はパスがセキュリティチェックの対象外であることを示します。
	Ignored     bool
	Requirement Requirement
}

// Allowed はリクエストを通してよいかを返します。
func (d Decision) Allowed() bool {
	return d.Outcome == Allow
}

// Status は拒否時の HTTP ステータスを返します。
func (d Decision) Status() int {
	switch d.Outcome {
	case DenyUnauthenticated:
		return http.StatusUnauthorized
	case DenyForbidden:
		return http.StatusForbidden
	case DenyMalformed:
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}

// Policy は順序付きルール表と既定条件を保持します。構築後は変更されません。
type Policy struct {
	ignored   []string
	rules     []Rule
	unmatched Requirement
}

// NewPolicy は Policy を作成します。パターンの構文が不正な場合はエラーを返します。
func NewPolicy(rules []Rule, ignored []string, unmatched Requirement) (*Policy, error) {
	for _, p := range ignored {
		if err := validatePattern(p); err != nil {
			return nil, err
		}
	}
	copied := make([]Rule, 0, len(rules))
	for i, r := range rules {
		if len(r.Patterns) == 0 {
			return nil, fmt.Errorf("rule %d has no patterns", i)
		}
		for _, p := range r.Patterns {
			if err := validatePattern(p); err != nil {
				return nil, err
			}
		}
		copied = append(copied, Rule{
			Patterns:    append([]string(nil), r.Patterns...),
			Requirement: r.Requirement,
		})
	}
	return &Policy{
		ignored:   append([]string(nil), ignored...),
		rules:     copied,
		unmatched: unmatched,
	}, nil
}

// IsIgnored はパスがセキュリティチェックの対象外かを返します。
// 正規形でないパスは対象外になりません。
func (p *Policy) IsIgnored(requestPath string) bool {
	if !IsCanonicalPath(requestPath) {
		return false
	}
	for _, pattern := range p.ignored {
		if MatchPattern(pattern, requestPath) {
			return true
		}
	}
	return false
}

// RequirementFor はパスに適用される条件を返します。
// パスは正規化せず、ルーターが受け取るものと同じ文字列で照合します。
func (p *Policy) RequirementFor(requestPath string) Requirement {
	for _, rule := range p.rules {
		for _, pattern := range rule.Patterns {
			if MatchPattern(pattern, requestPath) {
				return rule.Requirement
			}
		}
	}
	return p.unmatched
}

// Decide はパスと現在のプリンシパル (未ログインなら nil) から可否を判定します。
// 正規形でないパスは DenyMalformed になります。
func (p *Policy) Decide(requestPath string, principal *Principal) Decision {
	if !IsCanonicalPath(requestPath) {
		return Decision{Outcome: DenyMalformed, Requirement: DenyAll}
	}
	if p.IsIgnored(requestPath) {
		return Decision{Outcome: Allow, Ignored: true, Requirement: Public}
	}
	req := p.RequirementFor(requestPath)
	return Decision{Outcome: evaluate(req, principal), Requirement: req}
}

func evaluate(req Requirement, principal *Principal) Outcome {
	switch req.Kind {
	case RequirePublic:
		return Allow
	case RequireAuthenticated:
		if principal == nil {
			return DenyUnauthenticated
		}
		return Allow
	case RequireRole:
		if principal == nil {
			return DenyUnauthenticated
		}
		if !principal.HasRole(req.Role) {
			return DenyForbidden
		}
		return Allow
	default:
		if principal == nil {
			return DenyUnauthenticated
		}
		return DenyForbidden
	}
}

// IsCanonicalPath はパスが / で始まり、. や .. や空のセグメントを含まないかを返します。
// 末尾の / は 1 つだけ許します。
func IsCanonicalPath(p string) bool {
	if !strings.HasPrefix(p, "/") {
		return false
	}
	if p == "/" {
		return true
	}
	trimmed := strings.TrimSuffix(p, "/")
	return trimmed != "/" && path.Clean(trimmed) == trimmed
}

func validatePattern(pattern string) error {
	if !strings.HasPrefix(pattern, "/") {
		return fmt.Errorf("pattern must start with '/': %q", pattern)
	}
	for _, seg := range splitPath(pattern) {
		if strings.Contains(seg, "**") && seg != "**" {
			return fmt.Errorf("'**' must be a whole segment: %q", pattern)
		}
	}
	return nil
}

// MatchPattern は Ant 形式のパターンでパスを照合します。
// ** は 0 個以上のセグメント、* はセグメント内の任意文字列、? は任意の 1 文字に一致します。
func MatchPattern(pattern, requestPath string) bool {
	return matchSegments(splitPath(pattern), splitPath(requestPath))
}

func matchSegments(pattern, segments []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(segments); i++ {
				if matchSegments(rest, segments[i:]) {
					return true
				}
			}
			return false
		}
		if len(segments) == 0 {
			return false
		}
		if ok, _ := path.Match(pattern[0], segments[0]); !ok {
			return false
		}
		pattern = pattern[1:]
		segments = segments[1:]
	}
	return len(segments) == 0
}

func splitPath(p string) []string {
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
