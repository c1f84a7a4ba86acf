package models

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Workflow Artifact Model
// ============================================================================

// WorkflowArtifact is one stored revision of a persisted workflow.
// Revisions of the same name are immutable; saving again adds a revision.
type WorkflowArtifact struct {
	ID            uuid.UUID       `json:"id"`
	WorkflowID    uuid.UUID       `json:"workflow_id"`
	Name          string          `json:"name"`
	Revision      int             `json:"revision"`
	FormatVersion int             `json:"format_version"`
	Fitted        bool            `json:"fitted"`
	OutputColumns []string        `json:"output_columns"`
	Document      json.RawMessage `json:"document"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Validate checks the fields required before an artifact is stored.
func (a *WorkflowArtifact) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return errors.New("artifact name is required")
	}
	if a.WorkflowID == uuid.Nil {
		return errors.New("artifact workflow_id is required")
	}
	if len(a.Document) == 0 || !json.Valid(a.Document) {
		return errors.New("artifact document must be valid JSON")
	}
	return nil
}

// WorkflowArtifactSummary is an artifact without its document, for listings.
type WorkflowArtifactSummary struct {
	ID         uuid.UUID `json:"id"`
	WorkflowID uuid.UUID `json:"workflow_id"`
	Name       string    `json:"name"`
	Revision   int       `json:"revision"`
	Fitted     bool      `json:"fitted"`
	CreatedAt  time.Time `json:"created_at"`
}

// Summary drops the document.
func (a *WorkflowArtifact) Summary() WorkflowArtifactSummary {
	return WorkflowArtifactSummary{
		ID:         a.ID,
		WorkflowID: a.WorkflowID,
		Name:       a.Name,
		Revision:   a.Revision,
		Fitted:     a.Fitted,
		CreatedAt:  a.CreatedAt,
	}
}
