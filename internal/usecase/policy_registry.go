package usecase

import (
	"sort"
	"strings"

	"github.com/arklim/webapp-admission/internal/core/domain"
)

// PolicyRegistry maps scope names to rate-limit policies. It is built once at
// startup and never mutated, so lookups need no locking.
type PolicyRegistry struct {
	policies map[string]domain.RateLimitPolicy
	scopes   []string
}

// NewPolicyRegistry validates the supplied policies and rejects duplicate scopes.
func NewPolicyRegistry(policies ...domain.RateLimitPolicy) (*PolicyRegistry, error) {
	registry := &PolicyRegistry{policies: make(map[string]domain.RateLimitPolicy, len(policies))}
	for _, policy := range policies {
		policy.Scope = normalizeScope(policy.Scope)
		if err := policy.Validate(); err != nil {
			return nil, err
		}
		if _, exists := registry.policies[policy.Scope]; exists {
			return nil, domain.NewConfigurationError(policy.Scope, "scope defined more than once")
		}
		registry.policies[policy.Scope] = policy
		registry.scopes = append(registry.scopes, policy.Scope)
	}
	sort.Strings(registry.scopes)
	return registry, nil
}

// Resolve returns the policy for scope or a ConfigurationError when it is unknown.
func (r *PolicyRegistry) Resolve(scope string) (domain.RateLimitPolicy, error) {
	policy, ok := r.policies[normalizeScope(scope)]
	if !ok {
		return domain.RateLimitPolicy{}, domain.NewConfigurationError(scope, "unknown scope")
	}
	return policy, nil
}

// Scopes lists the registered scope names in sorted order.
func (r *PolicyRegistry) Scopes() []string {
	out := make([]string, len(r.scopes))
	copy(out, r.scopes)
	return out
}

func normalizeScope(scope string) string {
	return strings.ToLower(strings.TrimSpace(scope))
}
