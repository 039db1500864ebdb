package remediation

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownRule means no handler is registered for a rule. The router
// reports it as a skipped outcome; it is never silently dropped.
var ErrUnknownRule = errors.New("no handler registered for rule")

// Registry is the fixed rule -> handler table. Built once at startup
// and passed into the router; never mutated afterwards.
type Registry struct {
	handlers map[string]Handler
}

// RegistryOptions carry per-deployment handler settings
type RegistryOptions struct {
	Region    string
	KMSKeyARN string
}

// NewRegistry builds the table of all known handlers. Adding a rule is
// a new entry plus a new handler file; existing handlers stay untouched.
func NewRegistry(opts RegistryOptions) *Registry {
	handlers := []Handler{
		&PublicAccessHandler{},
		&VersioningHandler{},
		&EncryptionHandler{KMSKeyARN: opts.KMSKeyARN},
		&TLSPolicyHandler{},
		&AccessLoggingHandler{Region: opts.Region},
	}

	table := make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		table[h.RuleID()] = h
	}
	return &Registry{handlers: table}
}

// Resolve returns the handler for a rule
func (r *Registry) Resolve(ruleID string) (Handler, error) {
	handler, ok := r.handlers[ruleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRule, ruleID)
	}
	return handler, nil
}

// Rules returns all registered rule IDs, sorted
func (r *Registry) Rules() []string {
	rules := make([]string, 0, len(r.handlers))
	for ruleID := range r.handlers {
		rules = append(rules, ruleID)
	}
	sort.Strings(rules)
	return rules
}
