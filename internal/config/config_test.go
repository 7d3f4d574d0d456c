package config

import "testing"

func fakeEnv(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(fakeEnv(map[string]string{
		"BACKENDS": `[{"key":"agent-primary","base_url":"http://localhost:9001","use_case":"agent"}]`,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.SessionTTL != defaultSessionTTL {
		t.Errorf("SessionTTL = %v, want %v", cfg.SessionTTL, defaultSessionTTL)
	}
	if len(cfg.Backends) != 1 || cfg.Backends[0].Key != "agent-primary" {
		t.Fatalf("unexpected backends: %+v", cfg.Backends)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(fakeEnv(map[string]string{
		"LISTEN_ADDR":              ":9090",
		"SESSION_TTL_SECONDS":      "60",
		"REQUEST_DEADLINE_MS":      "2500",
		"MAX_RETRIES":              "5",
		"BACKEND_CONCURRENCY_CAP":  "16",
		"BACKENDS":                 `[{"key":"k","base_url":"http://x","use_case":"agent"}]`,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.ListenAddr)
	}
	if cfg.SessionTTL.Seconds() != 60 {
		t.Errorf("SessionTTL = %v, want 60s", cfg.SessionTTL)
	}
	if cfg.RequestDeadline.Milliseconds() != 2500 {
		t.Errorf("RequestDeadline = %v, want 2500ms", cfg.RequestDeadline)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.MaxRetries)
	}
	if cfg.BackendConcurrencyCap != 16 {
		t.Errorf("BackendConcurrencyCap = %d, want 16", cfg.BackendConcurrencyCap)
	}
}

func TestFromEnv_NoBackendsIsInvalid(t *testing.T) {
	_, err := FromEnv(fakeEnv(nil))
	if err == nil {
		t.Fatal("expected an error when no backends are configured")
	}
}

func TestFromEnv_InvalidDurationIsRejected(t *testing.T) {
	_, err := FromEnv(fakeEnv(map[string]string{
		"SESSION_TTL_SECONDS": "not-a-number",
		"BACKENDS":            `[{"key":"k","base_url":"http://x","use_case":"agent"}]`,
	}))
	if err == nil {
		t.Fatal("expected an error for a malformed SESSION_TTL_SECONDS")
	}
}

func TestValidate_DuplicateKeyRejected(t *testing.T) {
	cfg := &Config{
		SessionTTL:            defaultSessionTTL,
		RequestDeadline:       defaultRequestDeadline,
		BackendConcurrencyCap: defaultConcurrencyCap,
		Backends: []BackendConfig{
			{Key: "dup", BaseURL: "http://a", UseCase: "agent"},
			{Key: "dup", BaseURL: "http://b", UseCase: "agent"},
		},
	}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error for duplicate backend keys")
	}
}
