package api

import (
	"github.com/starford/ansuz/internal/docservice"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/pipeline"
	"github.com/starford/ansuz/internal/state"
)

// DocumentDetail is the full document response type (aliased from the domain layer).
type DocumentDetail = docservice.DocumentDetail

// DocumentListResponse wraps paginated document listings.
type DocumentListResponse struct {
	Documents []docservice.DocumentListItem `json:"documents" validate:"required"`
	Total     int                           `json:"total" example:"42" validate:"required"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []state.SearchResult `json:"results" validate:"required"`
}

// ItemListResponse wraps tracked source items.
type ItemListResponse struct {
	Items []models.SourceItem `json:"items" validate:"required"`
}

// SyncListResponse wraps sync records.
type SyncListResponse struct {
	Records []models.SyncRecord `json:"records" validate:"required"`
}

// StatusResponse is the live pipeline snapshot.
type StatusResponse = pipeline.Status

// SweepResponse reports what a triggered sweep queued.
type SweepResponse = pipeline.SweepReport

type healthResponse struct {
	Status string `json:"status" example:"ok"`
	Error  string `json:"error,omitempty"`
}
