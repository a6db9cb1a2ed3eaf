// Package indexclient talks to the remote knowledge index: the Open WebUI
// files and knowledge-collection API.
package indexclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/starford/ansuz/internal/apperr"
)

// ErrUnavailable means the index could not be reached or answered 5xx/429.
var ErrUnavailable = errors.New("index: service unavailable")

// Config configures the client.
type Config struct {
	URL               string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// Client is safe for concurrent use. Requests are paced by a token bucket.
type Client struct {
	base    string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}
	return &Client{
		base:    strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

type fileResponse struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
}

type fileRef struct {
	FileID string `json:"file_id"`
}

// Create uploads content as a new file and adds it to the collection. It
// returns the remote file id.
func (c *Client) Create(ctx context.Context, collectionID, name string, content []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("index: create: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("index: create: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("index: create: %w", err)
	}

	var file fileResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/files/", mw.FormDataContentType(), &body, &file); err != nil {
		return "", err
	}
	if file.ID == "" {
		return "", apperr.Transient("index: create", errors.New("upload returned no file id"))
	}

	if err := c.postJSON(ctx, knowledgePath(collectionID, "add"), fileRef{FileID: file.ID}); err != nil {
		// Do not leave an orphan upload behind.
		if derr := c.deleteFile(ctx, file.ID); derr != nil {
			c.logger.Warn("index: cleanup orphan upload failed",
				slog.String("file_id", file.ID),
				slog.String("error", derr.Error()))
		}
		return "", err
	}

	c.logger.Debug("index: created",
		slog.String("file_id", file.ID),
		slog.String("collection_id", collectionID),
		slog.String("name", name))
	return file.ID, nil
}

// Update replaces the content of an existing file and re-indexes it in the
// collection. A missing file yields an error wrapping apperr.ErrNotFound.
func (c *Client) Update(ctx context.Context, collectionID, remoteID string, content []byte) error {
	payload := struct {
		Content string `json:"content"`
	}{Content: string(content)}
	if err := c.postJSON(ctx, "/api/v1/files/"+url.PathEscape(remoteID)+"/data/content/update", payload); err != nil {
		return err
	}
	return c.postJSON(ctx, knowledgePath(collectionID, "update"), fileRef{FileID: remoteID})
}

// Delete removes the file from the collection and deletes it. Missing
// remote objects are not an error.
func (c *Client) Delete(ctx context.Context, collectionID, remoteID string) error {
	if err := c.postJSON(ctx, knowledgePath(collectionID, "remove"), fileRef{FileID: remoteID}); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	if err := c.deleteFile(ctx, remoteID); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	return nil
}

// Link adds an existing file to another collection.
func (c *Client) Link(ctx context.Context, collectionID, remoteID string) error {
	return c.postJSON(ctx, knowledgePath(collectionID, "add"), fileRef{FileID: remoteID})
}

// Unlink removes a file from a collection without deleting it.
func (c *Client) Unlink(ctx context.Context, collectionID, remoteID string) error {
	err := c.postJSON(ctx, knowledgePath(collectionID, "remove"), fileRef{FileID: remoteID})
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	return err
}

// FindByName returns the id of a remote file with the given name, or "".
func (c *Client) FindByName(ctx context.Context, name string) (string, error) {
	var files []fileResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/files/", "", nil, &files); err != nil {
		return "", err
	}
	for _, f := range files {
		if f.Filename == name {
			return f.ID, nil
		}
	}
	return "", nil
}

func (c *Client) deleteFile(ctx context.Context, remoteID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/files/"+url.PathEscape(remoteID), "", nil, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("index: encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(b), nil)
}

func knowledgePath(collectionID, action string) string {
	return "/api/v1/knowledge/" + url.PathEscape(collectionID) + "/file/" + action
}

// do sends one request and maps the outcome onto the failure taxonomy.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	op := "index: " + method + " " + path
	if err := c.limiter.Wait(ctx); err != nil {
		return apperr.Transient(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Transient(op, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		detail := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return apperr.Permanent(op, fmt.Errorf("%w: %v", apperr.ErrNotFound, detail))
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return apperr.Transient(op, fmt.Errorf("%w: %v", ErrUnavailable, detail))
		default:
			return apperr.Permanent(op, detail)
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Transient(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
