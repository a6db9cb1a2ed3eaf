package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/ansuz/internal/models"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration. It is loaded once at
// startup and treated as read-only for the lifetime of the process.
type Config struct {
	App           ApplicationConfig    `yaml:"app"`
	Auth          AuthConfig           `yaml:"auth"`
	Paths         PathsConfig          `yaml:"paths"`
	Inputs        InputsConfig         `yaml:"inputs"`
	Markers       MarkersConfig        `yaml:"markers"`
	Classify      ClassifyConfig       `yaml:"classify"`
	Transcription TranscriptionConfig  `yaml:"transcription"`
	LLM           LLMConfig            `yaml:"llm"`
	Index         IndexConfig          `yaml:"index"`
	Sync          SyncConfig           `yaml:"sync"`
	Concurrency   ConcurrencyConfig    `yaml:"concurrency"`
	Retry         RetryConfig          `yaml:"retry"`
	Sweep         SweepConfig          `yaml:"sweep"`
	Shutdown      ShutdownConfig       `yaml:"shutdown"`
	DefaultType   string               `yaml:"default_type"`
	ContentTypes  []models.ContentType `yaml:"content_types"`
}

// Validate validates the configuration and resolves relative paths.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.Paths.Validate(); err != nil {
		return err
	}
	if err := c.Inputs.Validate(); err != nil {
		return err
	}
	if err := c.Transcription.Validate(); err != nil {
		return err
	}
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Index.Validate(); err != nil {
		return err
	}
	if err := c.Concurrency.Validate(); err != nil {
		return err
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	return c.validateContentTypes()
}

func (c *Config) validateContentTypes() error {
	if len(c.ContentTypes) == 0 {
		return errors.New("content_types: at least one content type is required")
	}
	seen := make(map[string]struct{}, len(c.ContentTypes))
	for i := range c.ContentTypes {
		ct := &c.ContentTypes[i]
		if err := validateContentType(ct); err != nil {
			return fmt.Errorf("content_types[%d]: %w", i, err)
		}
		key := strings.ToLower(ct.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("content_types: duplicate type name %q", ct.Name)
		}
		seen[key] = struct{}{}
	}
	if c.DefaultType != "" {
		if _, ok := seen[strings.ToLower(c.DefaultType)]; !ok {
			return fmt.Errorf("default_type: %q is not a configured content type", c.DefaultType)
		}
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	LogFile  string     `yaml:"log_file"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds the status API server configuration. A zero port
// disables the server.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Enabled reports whether the status API should be served.
func (c *HTTPConfig) Enabled() bool {
	return c.Port != 0
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Min(0), validation.Max(65535)),
	)
}

// AuthConfig holds authentication configuration for the status API.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// PathsConfig holds folder locations. Relative entries are resolved against
// Base during validation.
type PathsConfig struct {
	Base       string `yaml:"base"`
	AudioInbox string `yaml:"audio_inbox"`
	TextInbox  string `yaml:"text_inbox"`
	Archive    string `yaml:"archive"`
	Knowledge  string `yaml:"knowledge"`
	Errors     string `yaml:"errors"`
	StateDB    string `yaml:"state_db"`
}

// Validate resolves relative paths and checks that all folders are set.
func (c *PathsConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.AudioInbox, validation.Required),
		validation.Field(&c.TextInbox, validation.Required),
		validation.Field(&c.Archive, validation.Required),
		validation.Field(&c.Knowledge, validation.Required),
		validation.Field(&c.Errors, validation.Required),
		validation.Field(&c.StateDB, validation.Required),
	); err != nil {
		return err
	}
	for _, p := range []*string{&c.AudioInbox, &c.TextInbox, &c.Archive, &c.Knowledge, &c.Errors, &c.StateDB} {
		*p = c.resolve(*p)
	}
	if c.AudioInbox == c.TextInbox {
		return errors.New("paths: audio_inbox and text_inbox must differ")
	}
	return nil
}

func (c *PathsConfig) resolve(p string) string {
	if c.Base == "" || filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.Base, p)
}

// InputsConfig controls which files the watchers pick up.
type InputsConfig struct {
	AudioExtensions []string      `yaml:"audio_extensions"`
	TextExtensions  []string      `yaml:"text_extensions"`
	Ignore          []string      `yaml:"ignore"`
	Debounce        time.Duration `yaml:"debounce"`
	// KnowledgeDebounce is the quiet period for edits inside the knowledge
	// folder, longer than Debounce because editors save repeatedly.
	KnowledgeDebounce time.Duration `yaml:"knowledge_debounce"`
}

// Validate validates the inputs configuration.
func (c *InputsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.AudioExtensions, validation.Required),
		validation.Field(&c.TextExtensions, validation.Required),
		validation.Field(&c.Debounce, validation.Min(time.Duration(0))),
		validation.Field(&c.KnowledgeDebounce, validation.Min(time.Duration(0))),
	)
}

// MarkersConfig lists the spoken or written cue words the metadata extractor
// looks for.
type MarkersConfig struct {
	DateCues  []string `yaml:"date_cues"`
	TimeCues  []string `yaml:"time_cues"`
	TagCues   []string `yaml:"tag_cues"`
	TagWindow int      `yaml:"tag_window"`
	Focus     string   `yaml:"focus"`
}

// ClassifyConfig tunes keyword classification.
type ClassifyConfig struct {
	// ScanWindow limits matching to the first N characters; 0 scans all text.
	ScanWindow int `yaml:"scan_window"`
}

// TranscriptionConfig configures the speech-to-text subprocesses.
type TranscriptionConfig struct {
	Binary           string        `yaml:"binary"`
	Model            string        `yaml:"model"`
	FFmpeg           string        `yaml:"ffmpeg"`
	Language         string        `yaml:"language"`
	Timeout          time.Duration `yaml:"timeout"`
	SilenceThreshold float64       `yaml:"silence_threshold"`
	WorkDir          string        `yaml:"work_dir"`
}

// Validate validates the transcription configuration.
func (c *TranscriptionConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Binary, validation.Required),
		validation.Field(&c.FFmpeg, validation.Required),
		validation.Field(&c.Timeout, validation.Required),
		validation.Field(&c.SilenceThreshold, validation.Min(0.0), validation.Max(1.0)),
	)
}

// LLMConfig configures the local LLM service.
type LLMConfig struct {
	URL            string        `yaml:"url"`
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	Timeout        time.Duration `yaml:"timeout"`
	Temperature    float64       `yaml:"temperature"`
	MaxInputTokens int           `yaml:"max_input_tokens"`
	Prompts        PromptsConfig `yaml:"prompts"`
}

// Validate validates the LLM configuration.
func (c *LLMConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.URL, validation.Required),
		validation.Field(&c.APIKey, validation.Required),
		validation.Field(&c.Model, validation.Required),
		validation.Field(&c.Timeout, validation.Required),
	)
}

// PromptsConfig holds the built-in enrichment prompts.
type PromptsConfig struct {
	Title      Prompt `yaml:"title"`
	Summary    Prompt `yaml:"summary"`
	Structured Prompt `yaml:"structured"`
}

// Prompt is a system/user prompt pair.
type Prompt struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

// IndexConfig configures the remote knowledge index.
type IndexConfig struct {
	URL               string        `yaml:"url"`
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	FocusCollection   string        `yaml:"focus_collection"`
}

// Validate validates the index configuration.
func (c *IndexConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.URL, validation.Required),
		validation.Field(&c.APIKey, validation.Required),
		validation.Field(&c.Timeout, validation.Required),
		validation.Field(&c.RequestsPerSecond, validation.Min(0.0)),
	)
}

// SyncConfig controls remote reconciliation behavior.
type SyncConfig struct {
	// DeleteRemote removes the remote document when its local file is
	// deleted. When false the record is dropped and the remote copy kept.
	DeleteRemote bool `yaml:"delete_remote"`
}

// ConcurrencyConfig bounds each category of work.
type ConcurrencyConfig struct {
	Workers       int `yaml:"workers"`
	LLM           int `yaml:"llm"`
	Transcription int `yaml:"transcription"`
	Sync          int `yaml:"sync"`
}

// Validate validates the concurrency configuration.
func (c *ConcurrencyConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Workers, validation.Required, validation.Min(1)),
		validation.Field(&c.LLM, validation.Required, validation.Min(1)),
		validation.Field(&c.Transcription, validation.Required, validation.Min(1)),
		validation.Field(&c.Sync, validation.Required, validation.Min(1)),
	)
}

// RetryConfig bounds in-place retries and item deferrals.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxDeferrals int           `yaml:"max_deferrals"`
}

// Validate validates the retry configuration.
func (c *RetryConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&c.BaseDelay, validation.Required),
		validation.Field(&c.MaxDeferrals, validation.Min(0)),
	)
}

// SweepConfig controls the periodic reconciliation sweep.
type SweepConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// ShutdownConfig controls graceful shutdown.
type ShutdownConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"`
}

func validateContentType(c *models.ContentType) error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Name, validation.Required),
	); err != nil {
		return err
	}
	fields := make(map[string]struct{}, len(c.Prompts))
	for i := range c.Prompts {
		p := &c.Prompts[i]
		if err := validation.ValidateStruct(p,
			validation.Field(&p.Field, validation.Required),
			validation.Field(&p.User, validation.Required),
		); err != nil {
			return fmt.Errorf("prompts[%d]: %w", i, err)
		}
		if _, dup := fields[p.Field]; dup {
			return fmt.Errorf("prompts: duplicate field %q", p.Field)
		}
		fields[p.Field] = struct{}{}
	}
	return nil
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			LogFile:  "pipeline.log",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Paths: PathsConfig{
			AudioInbox: "_INPUT_AUDIO",
			TextInbox:  "_INPUT_TEXT",
			Archive:    "_ARCHIVE_AUDIO",
			Knowledge:  "Knowledge",
			Errors:     "_ERRORS",
			StateDB:    ".ansuz/state.db",
		},
		Inputs: InputsConfig{
			AudioExtensions:   []string{".m4a", ".mp3", ".wav"},
			TextExtensions:    []string{".txt", ".md"},
			Ignore:            []string{".*", "~$*", "*.part", "*.crdownload"},
			Debounce:          2 * time.Second,
			KnowledgeDebounce: 15 * time.Second,
		},
		Markers: MarkersConfig{
			DateCues:  []string{"date", "datum"},
			TimeCues:  []string{"time", "zeit", "uhrzeit"},
			TagCues:   []string{"tag", "tags"},
			TagWindow: 400,
			Focus:     "focus mode",
		},
		Classify: ClassifyConfig{
			ScanWindow: 500,
		},
		Transcription: TranscriptionConfig{
			Binary:           "whisper-cli",
			FFmpeg:           "ffmpeg",
			Language:         "auto",
			Timeout:          15 * time.Minute,
			SilenceThreshold: 0.005,
		},
		LLM: LLMConfig{
			Model:          "llama3.1",
			Timeout:        5 * time.Minute,
			Temperature:    0.3,
			MaxInputTokens: 2000,
			Prompts:        DefaultPrompts(),
		},
		Index: IndexConfig{
			Timeout:           30 * time.Second,
			RequestsPerSecond: 5,
		},
		Sync: SyncConfig{
			DeleteRemote: true,
		},
		Concurrency: ConcurrencyConfig{
			Workers:       4,
			LLM:           2,
			Transcription: 1,
			Sync:          4,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			BaseDelay:    2 * time.Second,
			MaxDelay:     30 * time.Second,
			MaxDeferrals: 10,
		},
		Sweep: SweepConfig{
			Interval: time.Minute,
		},
		Shutdown: ShutdownConfig{
			GracePeriod: 30 * time.Second,
		},
	}
}

// DefaultPrompts returns the built-in enrichment prompts.
func DefaultPrompts() PromptsConfig {
	return PromptsConfig{
		Title: Prompt{
			System: "You write short, specific titles for personal notes. Reply with the title only.",
			User:   "Write a title of at most eight words for the following text.",
		},
		Summary: Prompt{
			System: "You summarize personal notes faithfully and briefly.",
			User:   "Summarize the following text in two or three sentences.",
		},
		Structured: Prompt{
			System: "You extract metadata from personal notes and reply with JSON only.",
			User: `Return a JSON object with the keys "language" (ISO 639-1 code), ` +
				`"emotions" (list of words) and "characters" (list of people mentioned) for the following text.`,
		},
	}
}
