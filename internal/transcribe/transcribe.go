// Package transcribe turns audio captures into text with a local
// speech-to-text engine. Input is normalized with ffmpeg to 16 kHz mono PCM
// before the engine runs, and every failure is classified so the pipeline
// knows whether to retry, defer or give up on the item.
package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/starford/ansuz/internal/apperr"
)

var (
	// ErrEngineUnavailable means the engine binary or model is missing or
	// failed to load. It is transient.
	ErrEngineUnavailable = errors.New("transcribe: engine unavailable")
	// ErrUnsupportedFormat means the input could not be decoded. It is
	// permanent.
	ErrUnsupportedFormat = errors.New("transcribe: unsupported format")
	// ErrEmptyAudio means the recording is silent. Callers treat it as an
	// empty transcript.
	ErrEmptyAudio = errors.New("transcribe: empty audio")
)

// Config configures the engine subprocesses.
type Config struct {
	Binary           string
	Model            string
	FFmpeg           string
	Language         string
	Timeout          time.Duration
	SilenceThreshold float64
	WorkDir          string
}

// Transcriber runs the engine with bounded parallelism.
type Transcriber struct {
	cfg    Config
	exec   executor
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// New creates a Transcriber allowing at most limit concurrent runs.
func New(cfg Config, limit int, logger *slog.Logger) *Transcriber {
	return newTranscriber(cfg, limit, logger, &osExecutor{})
}

func newTranscriber(cfg Config, limit int, logger *slog.Logger, ex executor) *Transcriber {
	if limit < 1 {
		limit = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcriber{
		cfg:    cfg,
		exec:   ex,
		sem:    semaphore.NewWeighted(int64(limit)),
		logger: logger,
	}
}

// Available reports whether the engine binary and model can be found.
func (t *Transcriber) Available() error {
	if _, err := t.exec.LookPath(t.cfg.Binary); err != nil {
		return apperr.Transient("transcribe: lookup engine", fmt.Errorf("%w: %v", ErrEngineUnavailable, err))
	}
	if t.cfg.Model != "" {
		if _, err := os.Stat(t.cfg.Model); err != nil {
			return apperr.Transient("transcribe: lookup model", fmt.Errorf("%w: %v", ErrEngineUnavailable, err))
		}
	}
	return nil
}

// Transcribe returns the transcript of audioPath. language overrides the
// configured language hint when non-empty.
func (t *Transcriber) Transcribe(ctx context.Context, audioPath, language string) (string, error) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return "", apperr.Transient("transcribe: wait", err)
	}
	defer t.sem.Release(1)

	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	if err := t.Available(); err != nil {
		return "", err
	}

	dir, err := os.MkdirTemp(t.cfg.WorkDir, "ansuz-wav-*")
	if err != nil {
		return "", apperr.Transient("transcribe: temp dir", err)
	}
	defer os.RemoveAll(dir)

	wav := filepath.Join(dir, "input.wav")
	if err := t.normalize(ctx, audioPath, wav); err != nil {
		return "", err
	}

	level, err := rms(wav)
	if err != nil {
		return "", apperr.Permanent("transcribe: read pcm", fmt.Errorf("%w: %v", ErrUnsupportedFormat, err))
	}
	if level < t.cfg.SilenceThreshold {
		t.logger.Info("transcribe: silent audio",
			slog.String("path", audioPath),
			slog.Float64("rms", level))
		return "", apperr.Partial("transcribe: silence", ErrEmptyAudio)
	}

	if language == "" {
		language = t.cfg.Language
	}
	started := time.Now()
	text, err := t.run(ctx, wav, language)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", apperr.Partial("transcribe: no speech", ErrEmptyAudio)
	}

	t.logger.Info("transcribe: done",
		slog.String("path", audioPath),
		slog.Duration("took", time.Since(started)),
		slog.Int("chars", len(text)))
	return text, nil
}

func (t *Transcriber) normalize(ctx context.Context, in, out string) error {
	if _, err := t.exec.LookPath(t.cfg.FFmpeg); err != nil {
		return apperr.Transient("transcribe: lookup ffmpeg", fmt.Errorf("%w: %v", ErrEngineUnavailable, err))
	}
	args := []string{
		"-nostdin", "-hide_banner", "-loglevel", "error", "-y",
		"-i", in,
		"-ar", "16000", "-ac", "1", "-c:a", "pcm_s16le",
		out,
	}
	if err := t.exec.Run(ctx, t.cfg.FFmpeg, args, nil); err != nil {
		if ctx.Err() != nil {
			return apperr.Transient("transcribe: normalize", ctx.Err())
		}
		return apperr.Permanent("transcribe: normalize", fmt.Errorf("%w: %v", ErrUnsupportedFormat, err))
	}
	return nil
}

func (t *Transcriber) run(ctx context.Context, wav, language string) (string, error) {
	args := []string{"-f", wav, "-nt", "-np"}
	if t.cfg.Model != "" {
		args = append(args, "-m", t.cfg.Model)
	}
	if language != "" {
		args = append(args, "-l", language)
	}

	var out bytes.Buffer
	if err := t.exec.Run(ctx, t.cfg.Binary, args, &out); err != nil {
		if ctx.Err() != nil {
			return "", apperr.Transient("transcribe: engine", ctx.Err())
		}
		return "", apperr.Transient("transcribe: engine", fmt.Errorf("%w: %v", ErrEngineUnavailable, err))
	}
	return cleanTranscript(out.String()), nil
}

// cleanTranscript joins engine output lines and drops non-speech markers
// such as [BLANK_AUDIO] or (music).
func cleanTranscript(s string) string {
	var parts []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || isMarker(line) {
			continue
		}
		parts = append(parts, line)
	}
	return strings.Join(parts, " ")
}

func isMarker(s string) bool {
	return (strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]")) ||
		(strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")"))
}
