package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TURSO_DATABASE_URL", "file:local.db")
	t.Setenv("GOOGLE_CLIENT_ID", "client-id")
	t.Setenv("AUTH_INSECURE_SKIP_GOOGLE_VERIFY", "false")

	unsetIfSet(t, "SESSION_TTL_HOURS")
	unsetIfSet(t, "CORS_ALLOWED_ORIGINS")
	unsetIfSet(t, "CHAT_MAX_STEPS")
	unsetIfSet(t, "TITLE_MAX_RETRIES")
	unsetIfSet(t, "TITLE_TIMEOUT_MS")
	unsetIfSet(t, "MAX_UPLOAD_MB")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.SessionTTL.Hours() != 168 {
		t.Fatalf("expected default 168h session ttl, got %v", cfg.SessionTTL)
	}

	if cfg.GeminiBaseURL != "https://generativelanguage.googleapis.com/v1beta" {
		t.Fatalf("unexpected gemini base url: %s", cfg.GeminiBaseURL)
	}

	if cfg.GeminiModel != "gemini-2.5-flash" {
		t.Fatalf("unexpected default model: %s", cfg.GeminiModel)
	}

	if cfg.ChatMaxSteps != 2 {
		t.Fatalf("unexpected chat step budget: %d", cfg.ChatMaxSteps)
	}

	if cfg.TitleMaxRetries != 2 {
		t.Fatalf("unexpected title retry count: %d", cfg.TitleMaxRetries)
	}

	if cfg.TitleTimeout.Milliseconds() != 8000 {
		t.Fatalf("unexpected title timeout: %v", cfg.TitleTimeout)
	}

	if cfg.MaxUploadBytes != 5*1024*1024 {
		t.Fatalf("unexpected max upload bytes: %d", cfg.MaxUploadBytes)
	}

	if cfg.GCSUploadPrefix != "chat-uploads" {
		t.Fatalf("unexpected gcs upload prefix: %s", cfg.GCSUploadPrefix)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("TURSO_DATABASE_URL", "")
	t.Setenv("GOOGLE_CLIENT_ID", "client-id")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when TURSO_DATABASE_URL is missing")
	}
}

func TestLoadRequiresGoogleClientIDWhenVerificationEnabled(t *testing.T) {
	t.Setenv("TURSO_DATABASE_URL", "file:local.db")
	t.Setenv("GOOGLE_CLIENT_ID", "")
	t.Setenv("AUTH_INSECURE_SKIP_GOOGLE_VERIFY", "false")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when GOOGLE_CLIENT_ID is missing")
	}
}

func TestLoadAllowsMissingGoogleClientIDWhenAuthDisabled(t *testing.T) {
	t.Setenv("TURSO_DATABASE_URL", "file:local.db")
	t.Setenv("GOOGLE_CLIENT_ID", "")
	t.Setenv("AUTH_REQUIRED", "false")
	t.Setenv("AUTH_INSECURE_SKIP_GOOGLE_VERIFY", "false")

	if _, err := Load(); err != nil {
		t.Fatalf("expected auth-disabled mode to load without GOOGLE_CLIENT_ID: %v", err)
	}
}

func TestLoadRequiresAuthTokenForLibsqlURLs(t *testing.T) {
	t.Setenv("TURSO_DATABASE_URL", "libsql://chat.example.turso.io")
	t.Setenv("TURSO_AUTH_TOKEN", "")
	t.Setenv("GOOGLE_CLIENT_ID", "client-id")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when TURSO_AUTH_TOKEN is missing for libsql:// URL")
	}
}

func unsetIfSet(t *testing.T, key string) {
	t.Helper()
	if _, ok := os.LookupEnv(key); ok {
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset env %s: %v", key, err)
		}
	}
}
