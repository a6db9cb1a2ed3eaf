package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type sample struct {
	Name  string `yaml:"name"`
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`
}

func (s *sample) Validate() error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

func TestParse_ExpandsEnvAndKeepsDefaults(t *testing.T) {
	t.Setenv("SAMPLE_TOKEN", "s3cret")
	s := &sample{Port: 8080}
	if err := Parse([]byte("name: demo\ntoken: ${SAMPLE_TOKEN}\n"), s); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Token != "s3cret" {
		t.Errorf("token = %q, want s3cret", s.Token)
	}
	if s.Port != 8080 {
		t.Errorf("port = %d, want default 8080", s.Port)
	}
}

func TestParse_RunsValidator(t *testing.T) {
	s := &sample{}
	if err := Parse([]byte("port: 1\n"), s); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadEnv_SkipsMissingAndLoadsPresent(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("ANSUZ_TEST_ENV_VALUE=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("ANSUZ_TEST_ENV_VALUE") })

	if err := LoadEnv(filepath.Join(dir, "missing.env"), envFile); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if got := os.Getenv("ANSUZ_TEST_ENV_VALUE"); got != "from-file" {
		t.Errorf("env = %q, want from-file", got)
	}
}

func TestLoadWithDefaults_FallsBack(t *testing.T) {
	dir := t.TempDir()
	def := filepath.Join(dir, "default.yaml")
	if err := os.WriteFile(def, []byte("name: fallback\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := &sample{}
	if err := LoadWithDefaults(filepath.Join(dir, "nope.yaml"), def, s); err != nil {
		t.Fatalf("LoadWithDefaults: %v", err)
	}
	if s.Name != "fallback" {
		t.Errorf("name = %q", s.Name)
	}
}
