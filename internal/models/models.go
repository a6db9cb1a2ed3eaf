// Package models defines the domain types shared across the pipeline.
package models

import "time"

// SourceKind distinguishes audio captures from text captures.
type SourceKind string

// Source kinds.
const (
	KindAudio SourceKind = "audio"
	KindText  SourceKind = "text"
)

// ItemState is the lifecycle state of a SourceItem.
type ItemState string

// Item states. Errored is absorbing.
const (
	ItemDiscovered ItemState = "discovered"
	ItemProcessing ItemState = "processing"
	ItemWritten    ItemState = "written"
	ItemSyncing    ItemState = "syncing"
	ItemDone       ItemState = "done"
	ItemDeferred   ItemState = "deferred"
	ItemErrored    ItemState = "errored"
)

// Step is the last pipeline step an item completed.
type Step int

// Pipeline steps in execution order.
const (
	StepNone Step = iota
	StepRead
	StepTranscribe
	StepExtract
	StepClassify
	StepEnrich
	StepAssemble
	StepWrite
	StepSync
	StepFinalize
)

var stepNames = [...]string{"none", "read", "transcribe", "extract", "classify", "enrich", "assemble", "write", "sync", "finalize"}

// String returns the step name.
func (s Step) String() string {
	if s < 0 || int(s) >= len(stepNames) {
		return "unknown"
	}
	return stepNames[s]
}

// SourceItem is a file discovered in an input folder.
type SourceItem struct {
	ID           string     `json:"id"`
	Path         string     `json:"path"`
	Kind         SourceKind `json:"kind"`
	DiscoveredAt time.Time  `json:"discovered_at"`
	Fingerprint  string     `json:"fingerprint"`
	State        ItemState  `json:"state"`
	Step         Step       `json:"step"`
	Attempts     int        `json:"attempts"`
	Deferrals    int        `json:"deferrals"`
	LastError    string     `json:"last_error,omitempty"`
	// Transcript caches the transcription result so a resumed item does not
	// transcribe twice.
	Transcript string `json:"-"`
	// Output is the knowledge-folder path of the written document.
	Output    string    `json:"output,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncState is the per-document remote sync state.
type SyncState string

// Sync states.
const (
	SyncUnsynced SyncState = "unsynced"
	SyncSyncing  SyncState = "syncing"
	SyncSynced   SyncState = "synced"
	SyncDeleting SyncState = "deleting"
	SyncFailed   SyncState = "failed"
)

// SyncRecord binds a knowledge document to its remote representation.
type SyncRecord struct {
	Path         string    `json:"path"`
	CollectionID string    `json:"collection_id"`
	RemoteID     string    `json:"remote_id"`
	Fingerprint  string    `json:"fingerprint"`
	State        SyncState `json:"state"`
	FocusLinked  bool      `json:"focus_linked"`
	LastError    string    `json:"last_error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Synced reports whether the record points at a live remote document.
func (r *SyncRecord) Synced() bool {
	return r != nil && r.RemoteID != ""
}

// DocumentMetadata is a lightweight representation returned by list operations.
type DocumentMetadata struct {
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ContentType is a classification rule. Rules are evaluated in configured
// order and the first one with a matching keyword wins.
type ContentType struct {
	Name       string         `yaml:"name" json:"name"`
	Keywords   []string       `yaml:"keywords" json:"keywords"`
	Collection string         `yaml:"collection" json:"collection"`
	Subfolder  string         `yaml:"subfolder" json:"subfolder,omitempty"`
	Prompts    []CustomPrompt `yaml:"prompts" json:"prompts,omitempty"`
}

// Folder returns the knowledge subfolder for documents of this type.
func (c *ContentType) Folder() string {
	if c.Subfolder != "" {
		return c.Subfolder
	}
	return c.Name
}

// CustomPrompt generates one extra document section for a content type.
type CustomPrompt struct {
	Field  string `yaml:"field" json:"field"`
	System string `yaml:"system" json:"system,omitempty"`
	User   string `yaml:"user" json:"user"`
}
