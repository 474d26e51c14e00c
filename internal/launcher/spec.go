package launcher

import (
	"strings"

	"github.com/samber/lo"

	"copilot-relay/internal/config"
)

// Spec is the launch contract for the assistant executable: where it
// lives, how its argv is built and which environment keys are forced.
type Spec struct {
	Binary  string
	WorkDir string

	FallbackPath  string
	Term          string
	ForceColor    string
	CredentialVar string

	// CredentialEnv lists candidate variable names in priority order.
	CredentialEnv []string

	// CredentialFallback, if set, is consulted after every CredentialEnv
	// name came up empty.
	CredentialFallback func() string
}

// SpecFromConfig builds a Spec from the copilot section of the config.
func SpecFromConfig(cfg config.CopilotConfig, fallback func() string) Spec {
	return Spec{
		Binary:             cfg.Binary,
		WorkDir:            cfg.WorkDir,
		FallbackPath:       cfg.FallbackPath,
		Term:               cfg.Term,
		ForceColor:         cfg.ForceColor,
		CredentialVar:      cfg.CredentialVar,
		CredentialEnv:      append([]string(nil), cfg.CredentialEnv...),
		CredentialFallback: fallback,
	}
}

// Args returns the argv (without the binary) for one prompt. The prompt
// is passed as a single argument, verbatim.
func (s Spec) Args(prompt string) []string {
	return []string{"-p", prompt, "--allow-all-tools"}
}

// Env derives the child environment from base. Unrelated keys keep
// their order; overridden keys are dropped from base and appended.
// The credential variable is left unset when no candidate has a value.
func (s Spec) Env(base []string) []string {
	path := lookup(base, "PATH")
	if path == "" {
		path = s.FallbackPath
	}

	credential := s.Credential(base)

	overrides := [][2]string{
		{"PATH", path},
		{"TERM", s.Term},
		{"FORCE_COLOR", s.ForceColor},
	}
	if credential != "" {
		overrides = append(overrides, [2]string{s.CredentialVar, credential})
	}

	forced := map[string]bool{"PATH": true, "TERM": true, "FORCE_COLOR": true, s.CredentialVar: true}

	env := lo.Filter(base, func(kv string, _ int) bool {
		key, _, _ := strings.Cut(kv, "=")
		return !forced[key]
	})
	for _, kv := range overrides {
		env = append(env, kv[0]+"="+kv[1])
	}
	return env
}

// Credential resolves the token the child will see: the first non-empty
// candidate variable in base, then the fallback source.
func (s Spec) Credential(base []string) string {
	values := lo.Map(s.CredentialEnv, func(name string, _ int) string {
		return lookup(base, name)
	})
	if s.CredentialFallback != nil {
		values = append(values, strings.TrimSpace(s.CredentialFallback()))
	}
	credential, _ := lo.Coalesce(values...)
	return credential
}

// lookup returns the value of key in a KEY=VALUE list. Later entries
// win, matching how os/exec resolves duplicates.
func lookup(env []string, key string) string {
	value := ""
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k == key {
			value = v
		}
	}
	return value
}
