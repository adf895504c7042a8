package config

import (
	"strings"
	"testing"
)

const validYAML = `
server:
  addr: ":9090"
backends:
  - name: openai
    base_url: https://api.openai.com
    auth:
      type: bearer
      token: ${OPENAI_KEY}
  - name: anthropic
    base_url: https://api.anthropic.com
router:
  default_backends:
    - backend: openai
      weight: 3
    - backend: anthropic
      weight: 1
  rules:
    - model_prefix: "claude-"
      backends:
        - backend: anthropic
          weight: 1
keys:
  - id: k1
    token: sk-test-1
    enabled: true
    limits:
      rpm: 60
    guardrails:
      banned_phrases: ["ignore previous"]
`

func TestParseValid(t *testing.T) {
	t.Setenv("OPENAI_KEY", "sk-from-env")

	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	// Defaults survive a partial file.
	if cfg.Server.ShutdownTimeout == 0 || cfg.Limits.MaxBodyBytes != 4<<20 {
		t.Errorf("defaults not applied: %+v %+v", cfg.Server, cfg.Limits)
	}
	if cfg.Breaker.FailureThreshold != 3 {
		t.Errorf("breaker defaults missing: %+v", cfg.Breaker)
	}
	if got := cfg.Backends[0].Auth.Token; got != "sk-from-env" {
		t.Errorf("env expansion: token = %q", got)
	}
	if len(cfg.Keys) != 1 || *cfg.Keys[0].Limits.RPM != 60 {
		t.Errorf("keys = %+v", cfg.Keys)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPENAI_KEY", "x")
	t.Setenv("DITTO_ADMIN_TOKEN", "admin-secret")
	t.Setenv("DITTO_SQLITE_DSN", "/var/lib/ditto/ditto.db")

	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Admin.Token != "admin-secret" {
		t.Errorf("admin token override missing")
	}
	if cfg.Store.Kind != "sqlite" || cfg.Store.DSN != "/var/lib/ditto/ditto.db" {
		t.Errorf("store override = %+v", cfg.Store)
	}
}

func TestUnexpandedEnvVarSurvives(t *testing.T) {
	// Unset variables keep the literal so validation can name them.
	cfg, err := Parse([]byte(strings.ReplaceAll(validYAML, "${OPENAI_KEY}", "${DITTO_NO_SUCH_VAR}")))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Backends[0].Auth.Token; got != "${DITTO_NO_SUCH_VAR}" {
		t.Errorf("token = %q", got)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"unknown backend in rule": `
backends:
  - name: a
    base_url: http://a
router:
  rules:
    - model_prefix: "x-"
      backends:
        - backend: ghost
          weight: 1
`,
		"duplicate backend": `
backends:
  - name: a
    base_url: http://a
  - name: a
    base_url: http://b
`,
		"duplicate key id": `
keys:
  - id: k1
    token: t1
  - id: k1
    token: t2
`,
		"duplicate key token": `
keys:
  - id: k1
    token: same
  - id: k2
    token: same
`,
		"key pins unknown backend": `
keys:
  - id: k1
    token: t1
    route: ghost
`,
		"invalid guardrail regex": `
keys:
  - id: k1
    token: t1
    guardrails:
      banned_regexes: ["[unclosed"]
`,
		"shared rate limit without redis": `
rate_limit:
  shared: true
`,
		"backend missing base_url": `
backends:
  - name: a
`,
	}
	for name, yaml := range cases {
		if _, err := Parse([]byte(yaml)); err == nil {
			t.Errorf("%s: Parse should fail", name)
		}
	}
}
