package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/coursehub/internal/config"
	"github.com/hitoshi/coursehub/internal/identity"
	"golang.org/x/time/rate"
)

func TestInit_WithValidConfig_Succeeds(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg == nil {
		t.Fatal("expected non-nil config")
	}

	if cfg.DatabaseURL != testDatabaseURL {
		t.Errorf("DatabaseURL = %q, want %q", cfg.DatabaseURL, testDatabaseURL)
	}
	if cfg.IdentityProvider != config.ProviderLocal {
		t.Errorf("IdentityProvider = %q, want %q", cfg.IdentityProvider, config.ProviderLocal)
	}

	slog.Default().Info("init test")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log output, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "init test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "init test")
	}
}

func TestInit_WithMissingConfig_ReturnsError(t *testing.T) {
	clearTestEnv(t)

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err == nil {
		t.Fatal("expected error for missing required env vars, got nil")
	}
	if cfg != nil {
		t.Error("expected nil config on error")
	}
}

func TestBuildIdentity_Local(t *testing.T) {
	cfg := &config.Config{
		IdentityProvider: config.ProviderLocal,
		JWTSigningKey:    "local-signing-key",
		AccessTokenTTL:   time.Hour,
		RefreshTokenTTL:  24 * time.Hour,
	}

	provider, directory, err := buildIdentity(cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := provider.(*identity.LocalProvider); !ok {
		t.Errorf("provider = %T, want *identity.LocalProvider", provider)
	}
	if directory == nil {
		t.Error("local provider should also serve as the directory")
	}
}

func TestBuildIdentity_LocalWithoutSigningKey(t *testing.T) {
	cfg := &config.Config{IdentityProvider: config.ProviderLocal}

	if _, _, err := buildIdentity(cfg, nil); err == nil {
		t.Fatal("expected error when signing key is empty")
	}
}

func TestBuildIdentity_Supabase(t *testing.T) {
	tests := []struct {
		name          string
		serviceKey    string
		wantDirectory bool
	}{
		{name: "with service role key", serviceKey: "service-role", wantDirectory: true},
		{name: "without service role key", serviceKey: "", wantDirectory: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{
				IdentityProvider:       config.ProviderSupabase,
				SupabaseURL:            "https://example.supabase.co",
				SupabaseAnonKey:        "anon",
				SupabaseServiceRoleKey: tt.serviceKey,
				ProviderTimeout:        5 * time.Second,
			}

			provider, directory, err := buildIdentity(cfg, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if _, ok := provider.(*identity.SupabaseProvider); !ok {
				t.Errorf("provider = %T, want *identity.SupabaseProvider", provider)
			}
			if (directory != nil) != tt.wantDirectory {
				t.Errorf("directory present = %v, want %v", directory != nil, tt.wantDirectory)
			}
		})
	}
}

func TestBuildIdentity_Unsupported(t *testing.T) {
	cfg := &config.Config{IdentityProvider: "auth0"}

	if _, _, err := buildIdentity(cfg, nil); err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

func TestRateLimiterConfig_UsesPerMinuteValues(t *testing.T) {
	cfg := &config.Config{RateLimitAuth: 6, RateLimitGeneral: 60}

	rlCfg := rateLimiterConfig(cfg)

	if rlCfg.AuthRate != rate.Limit(0.1) || rlCfg.AuthBurst != 6 {
		t.Errorf("auth = (%v, %d), want (0.1, 6)", rlCfg.AuthRate, rlCfg.AuthBurst)
	}
	if rlCfg.GeneralRate != rate.Limit(1) || rlCfg.GeneralBurst != 60 {
		t.Errorf("general = (%v, %d), want (1, 60)", rlCfg.GeneralRate, rlCfg.GeneralBurst)
	}
}

func TestMaskDatabaseURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{url: "postgres://user:secret@db:5432/coursehub", want: "postgres://u***@..."},
		{url: "short", want: "***"},
	}

	for _, tt := range tests {
		if got := maskDatabaseURL(tt.url); got != tt.want {
			t.Errorf("maskDatabaseURL(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}
