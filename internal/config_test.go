package internal

import (
	"strings"
	"testing"

	"github.com/starford/ansuz/internal/models"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg := NewDefaultConfig()
	cfg.Paths.Base = t.TempDir()
	cfg.LLM.URL = "http://localhost:3000"
	cfg.LLM.APIKey = "key"
	cfg.Index.URL = "http://localhost:3000"
	cfg.Index.APIKey = "key"
	cfg.ContentTypes = []models.ContentType{
		{Name: "dream", Keywords: []string{"dream"}, Collection: "c-dream"},
		{Name: "note", Collection: "c-note"},
	}
	cfg.DefaultType = "note"
	return cfg
}

func TestConfig_ValidResolvesPaths(t *testing.T) {
	cfg := validConfig(t)
	base := cfg.Paths.Base
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.HasPrefix(cfg.Paths.AudioInbox, base) {
		t.Errorf("audio inbox %q not resolved under %q", cfg.Paths.AudioInbox, base)
	}
	if !strings.HasPrefix(cfg.Paths.StateDB, base) {
		t.Errorf("state db %q not resolved under %q", cfg.Paths.StateDB, base)
	}
}

func TestConfig_RequiresContentTypes(t *testing.T) {
	cfg := validConfig(t)
	cfg.ContentTypes = nil
	cfg.DefaultType = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error without content types")
	}
}

func TestConfig_DuplicateContentType(t *testing.T) {
	cfg := validConfig(t)
	cfg.ContentTypes = append(cfg.ContentTypes, models.ContentType{Name: "Dream"})
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestConfig_UnknownDefaultType(t *testing.T) {
	cfg := validConfig(t)
	cfg.DefaultType = "journal"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown default type")
	}
}

func TestConfig_DuplicatePromptField(t *testing.T) {
	cfg := validConfig(t)
	cfg.ContentTypes[0].Prompts = []models.CustomPrompt{
		{Field: "Analysis", User: "analyze"},
		{Field: "Analysis", User: "again"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate prompt field")
	}
}

func TestConfig_SameInboxRejected(t *testing.T) {
	cfg := validConfig(t)
	cfg.Paths.TextInbox = cfg.Paths.AudioInbox
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when inboxes coincide")
	}
}

func TestContentType_Folder(t *testing.T) {
	ct := models.ContentType{Name: "dream"}
	if ct.Folder() != "dream" {
		t.Errorf("folder = %q", ct.Folder())
	}
	ct.Subfolder = "Dreams"
	if ct.Folder() != "Dreams" {
		t.Errorf("folder = %q", ct.Folder())
	}
}

func TestHTTPConfig_ZeroPortDisables(t *testing.T) {
	c := HTTPConfig{}
	if c.Enabled() {
		t.Error("zero port should disable the server")
	}
	c.Port = 8080
	if !c.Enabled() || c.Address() != ":8080" {
		t.Errorf("address = %q", c.Address())
	}
}
