package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/stratacore/rategate/internal/identity"
	"github.com/stratacore/rategate/internal/limiter"
)

var validate = validator.New()

// PolicySpec is the YAML shape of one endpoint policy.
type PolicySpec struct {
	Name           string   `yaml:"name" validate:"required"`
	Route          string   `yaml:"route" validate:"required"`
	MaxRequests    int      `yaml:"max_requests" validate:"required,gte=1"`
	WindowMs       int64    `yaml:"window_ms" validate:"required,gte=1"`
	Strategy       string   `yaml:"strategy" validate:"required,oneof=network_address subject_id api_key composite"`
	Whitelist      []string `yaml:"whitelist"`
	EnableAuditLog bool     `yaml:"enable_audit_log"`
	IncludeHeaders bool     `yaml:"include_headers"`
	Message        string   `yaml:"message"`
}

// PolicyFile is the YAML document holding the policy set.
type PolicyFile struct {
	Policies []PolicySpec `yaml:"policies" validate:"required,min=1,dive"`
}

// EndpointPolicy binds a route to its rate policy.
type EndpointPolicy struct {
	Route  string
	Policy limiter.Policy
}

// LoadPolicies reads and validates the policy set at path. Any invalid policy
// makes the whole load fail.
func LoadPolicies(path string) ([]EndpointPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %q: %w", path, err)
	}
	return ParsePolicies(data)
}

// ParsePolicies parses and validates a policy-set document.
func ParsePolicies(data []byte) ([]EndpointPolicy, error) {
	var file PolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if err := validate.Struct(&file); err != nil {
		return nil, fmt.Errorf("invalid policy file: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Policies))
	out := make([]EndpointPolicy, 0, len(file.Policies))
	for _, spec := range file.Policies {
		if _, dup := seen[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate policy name %q", spec.Name)
		}
		seen[spec.Name] = struct{}{}

		strategy, err := identity.ParseStrategy(spec.Strategy)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", spec.Name, err)
		}
		out = append(out, EndpointPolicy{
			Route: spec.Route,
			Policy: limiter.Policy{
				Name:           spec.Name,
				MaxRequests:    spec.MaxRequests,
				Window:         time.Duration(spec.WindowMs) * time.Millisecond,
				Strategy:       strategy,
				Whitelist:      spec.Whitelist,
				EnableAuditLog: spec.EnableAuditLog,
				IncludeHeaders: spec.IncludeHeaders,
				Message:        spec.Message,
			},
		})
	}
	return out, nil
}

// FindPolicy returns the named policy from a loaded set.
func FindPolicy(policies []EndpointPolicy, name string) (EndpointPolicy, error) {
	for _, ep := range policies {
		if ep.Policy.Name == name {
			return ep, nil
		}
	}
	return EndpointPolicy{}, fmt.Errorf("policy %q not found", name)
}
