// Package catalog parses the declarative platform catalog the reconcile
// engine applies to the store.
package catalog

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Model declares one selectable model under a platform.
type Model struct {
	ModelName   string         `yaml:"model"`
	DisplayName string         `yaml:"display_name"`
	ExtraParams map[string]any `yaml:"extra_params"`
}

// Platform declares one system platform. APIKey is either the literal secret
// or an `{ENV_VAR}` reference resolved at load time.
type Platform struct {
	Name    string  `yaml:"name"`
	BaseURL string  `yaml:"base_url"`
	APIKey  string  `yaml:"api_key"`
	Models  []Model `yaml:"models"`
}

// Catalog is the full declared set, in precedence order.
type Catalog struct {
	Platforms []Platform `yaml:"platforms"`
}

func Load(path string) (Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}
	return c, nil
}

var envRefRe = regexp.MustCompile(`^\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// ResolveKey expands an `{ENV_VAR}` reference against the environment;
// anything else passes through as a literal key. An unset referenced variable
// resolves to empty, leaving the platform without a default credential.
func ResolveKey(value string) string {
	m := envRefRe.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return value
	}
	return os.Getenv(m[1])
}

var versionSuffixRe = regexp.MustCompile(`/v\d+$`)

// NormalizeBaseURL turns whatever the operator pasted into the endpoint root
// the chat client expects: completion paths are stripped and a bare host gets
// the /v1 prefix.
func NormalizeBaseURL(raw string) string {
	u := strings.TrimSpace(raw)
	u = strings.TrimSuffix(u, "/chat/completions")
	u = strings.TrimRight(u, "/")
	if u == "" {
		return u
	}
	if !versionSuffixRe.MatchString(u) {
		u += "/v1"
	}
	return u
}
