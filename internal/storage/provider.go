// Package storage defines the knowledge-folder file-system abstraction and
// helpers for moving source files between pipeline folders.
package storage

import "github.com/starford/ansuz/internal/models"

// Provider is the interface for knowledge-folder file operations.
type Provider interface {
	// List returns metadata for every .md file under dir (relative to root).
	List(dir string) ([]models.DocumentMetadata, error)
	// Read returns the raw bytes of the file at path (relative to root).
	Read(path string) ([]byte, error)
	// Write atomically writes content to path (relative to root).
	Write(path string, content []byte) error
	// Create atomically writes content to path and fails with
	// apperr.ErrAlreadyExists when the path is taken.
	Create(path string, content []byte) error
}
