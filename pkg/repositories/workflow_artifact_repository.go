package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-features/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-features/pkg/database"
	"github.com/ekaya-inc/ekaya-features/pkg/models"
)

// WorkflowArtifactRepository provides data access for persisted workflows.
type WorkflowArtifactRepository interface {
	// Create stores a new revision of artifact.Name. ID, Revision and
	// CreatedAt are assigned by the repository.
	Create(ctx context.Context, artifact *models.WorkflowArtifact) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.WorkflowArtifact, error)
	// GetLatest returns the highest revision stored under name.
	GetLatest(ctx context.Context, name string) (*models.WorkflowArtifact, error)
	ListRevisions(ctx context.Context, name string) ([]models.WorkflowArtifactSummary, error)
	List(ctx context.Context, limit int) ([]models.WorkflowArtifactSummary, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type workflowArtifactRepository struct {
	db *database.DB
}

// NewWorkflowArtifactRepository creates a new WorkflowArtifactRepository.
func NewWorkflowArtifactRepository(db *database.DB) WorkflowArtifactRepository {
	return &workflowArtifactRepository{db: db}
}

var _ WorkflowArtifactRepository = (*workflowArtifactRepository)(nil)

func (r *workflowArtifactRepository) Create(ctx context.Context, artifact *models.WorkflowArtifact) error {
	if err := artifact.Validate(); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidConfig, err)
	}
	if artifact.ID == uuid.Nil {
		artifact.ID = uuid.New()
	}
	if artifact.OutputColumns == nil {
		artifact.OutputColumns = []string{}
	}

	// The unique (name, revision) constraint rejects a concurrent writer that
	// computed the same next revision.
	query := `
		INSERT INTO workflow_artifacts (
			id, workflow_id, name, revision, format_version,
			fitted, output_columns, document
		)
		SELECT $1, $2, $3, COALESCE(MAX(revision), 0) + 1, $4, $5, $6, $7
		FROM workflow_artifacts
		WHERE name = $3
		RETURNING revision, created_at`

	err := r.db.QueryRow(ctx, query,
		artifact.ID, artifact.WorkflowID, artifact.Name, artifact.FormatVersion,
		artifact.Fitted, artifact.OutputColumns, []byte(artifact.Document),
	).Scan(&artifact.Revision, &artifact.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create workflow artifact: %w", err)
	}
	return nil
}

const artifactColumns = `
		id, workflow_id, name, revision, format_version,
		fitted, output_columns, document, created_at`

func (r *workflowArtifactRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.WorkflowArtifact, error) {
	query := `SELECT` + artifactColumns + `
		FROM workflow_artifacts
		WHERE id = $1`

	a, err := scanWorkflowArtifactRow(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "workflow artifact %s", id)
	}
	return a, nil
}

func (r *workflowArtifactRepository) GetLatest(ctx context.Context, name string) (*models.WorkflowArtifact, error) {
	query := `SELECT` + artifactColumns + `
		FROM workflow_artifacts
		WHERE name = $1
		ORDER BY revision DESC
		LIMIT 1`

	a, err := scanWorkflowArtifactRow(r.db.QueryRow(ctx, query, name))
	if err != nil {
		return nil, notFound(err, "workflow artifact %q", name)
	}
	return a, nil
}

func (r *workflowArtifactRepository) ListRevisions(ctx context.Context, name string) ([]models.WorkflowArtifactSummary, error) {
	query := `
		SELECT id, workflow_id, name, revision, fitted, created_at
		FROM workflow_artifacts
		WHERE name = $1
		ORDER BY revision DESC`

	rows, err := r.db.Query(ctx, query, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow artifact revisions: %w", err)
	}
	defer rows.Close()
	return scanWorkflowArtifactSummaries(rows)
}

func (r *workflowArtifactRepository) List(ctx context.Context, limit int) ([]models.WorkflowArtifactSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	// Latest revision of each name.
	query := `
		SELECT DISTINCT ON (name) id, workflow_id, name, revision, fitted, created_at
		FROM workflow_artifacts
		ORDER BY name, revision DESC
		LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow artifacts: %w", err)
	}
	defer rows.Close()
	return scanWorkflowArtifactSummaries(rows)
}

func (r *workflowArtifactRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Exec(ctx, `DELETE FROM workflow_artifacts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow artifact: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("workflow artifact %s: %w", id, apperrors.ErrNotFound)
	}
	return nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, apperrors.ErrNotFound)...)
	}
	return err
}

func scanWorkflowArtifactRow(row pgx.Row) (*models.WorkflowArtifact, error) {
	var a models.WorkflowArtifact
	var document []byte

	err := row.Scan(
		&a.ID, &a.WorkflowID, &a.Name, &a.Revision, &a.FormatVersion,
		&a.Fitted, &a.OutputColumns, &document, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan workflow artifact: %w", err)
	}
	a.Document = document
	return &a, nil
}

func scanWorkflowArtifactSummaries(rows pgx.Rows) ([]models.WorkflowArtifactSummary, error) {
	var out []models.WorkflowArtifactSummary
	for rows.Next() {
		var s models.WorkflowArtifactSummary
		if err := rows.Scan(&s.ID, &s.WorkflowID, &s.Name, &s.Revision, &s.Fitted, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workflow artifact row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow artifact rows: %w", err)
	}
	return out, nil
}
