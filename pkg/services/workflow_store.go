package services

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-features/pkg/models"
	"github.com/ekaya-inc/ekaya-features/pkg/repositories"
	"github.com/ekaya-inc/ekaya-features/pkg/retry"
	"github.com/ekaya-inc/ekaya-features/pkg/workflow"
)

// WorkflowStore persists workflows as named, revisioned artifacts.
type WorkflowStore interface {
	// Save stores w under name as a new revision and returns the artifact
	// without its document.
	Save(ctx context.Context, name string, w *workflow.Workflow) (*models.WorkflowArtifactSummary, error)
	// Load rebuilds the latest revision stored under name.
	Load(ctx context.Context, name string, opts workflow.LoadOptions) (*workflow.Workflow, error)
	LoadByID(ctx context.Context, id uuid.UUID, opts workflow.LoadOptions) (*workflow.Workflow, error)
	List(ctx context.Context, limit int) ([]models.WorkflowArtifactSummary, error)
	Revisions(ctx context.Context, name string) ([]models.WorkflowArtifactSummary, error)
}

type workflowStore struct {
	repo    repositories.WorkflowArtifactRepository
	retries *retry.Config
	logger  *zap.Logger
}

// NewWorkflowStore creates a WorkflowStore over repo. Transient store failures
// on save are retried.
func NewWorkflowStore(repo repositories.WorkflowArtifactRepository, logger *zap.Logger) WorkflowStore {
	return &workflowStore{
		repo:    repo,
		retries: retry.DefaultConfig(),
		logger:  logger.Named("workflow-store"),
	}
}

var _ WorkflowStore = (*workflowStore)(nil)

func (s *workflowStore) Save(ctx context.Context, name string, w *workflow.Workflow) (*models.WorkflowArtifactSummary, error) {
	var buf bytes.Buffer
	if err := w.Save(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode workflow %q: %w", name, err)
	}

	artifact := &models.WorkflowArtifact{
		WorkflowID:    w.ID(),
		Name:          name,
		FormatVersion: workflow.FormatVersion,
		Fitted:        w.IsFitted(),
		OutputColumns: w.OutputColumns().Names(),
		Document:      bytes.TrimSpace(buf.Bytes()),
	}
	err := retry.DoIfRetryable(ctx, s.retries, func() error {
		artifact.ID = uuid.Nil
		return s.repo.Create(ctx, artifact)
	})
	if err != nil {
		s.logger.Error("Failed to save workflow",
			zap.String("name", name),
			zap.String("workflow_id", artifact.WorkflowID.String()),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("Workflow saved",
		zap.String("name", name),
		zap.Int("revision", artifact.Revision),
		zap.Bool("fitted", artifact.Fitted),
		zap.Int("bytes", len(artifact.Document)))
	summary := artifact.Summary()
	return &summary, nil
}

func (s *workflowStore) Load(ctx context.Context, name string, opts workflow.LoadOptions) (*workflow.Workflow, error) {
	artifact, err := s.repo.GetLatest(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("workflow %q: %w", name, err)
	}
	return s.decode(artifact, opts)
}

func (s *workflowStore) LoadByID(ctx context.Context, id uuid.UUID, opts workflow.LoadOptions) (*workflow.Workflow, error) {
	artifact, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("workflow artifact %s: %w", id, err)
	}
	return s.decode(artifact, opts)
}

func (s *workflowStore) List(ctx context.Context, limit int) ([]models.WorkflowArtifactSummary, error) {
	return s.repo.List(ctx, limit)
}

func (s *workflowStore) Revisions(ctx context.Context, name string) ([]models.WorkflowArtifactSummary, error) {
	return s.repo.ListRevisions(ctx, name)
}

func (s *workflowStore) decode(artifact *models.WorkflowArtifact, opts workflow.LoadOptions) (*workflow.Workflow, error) {
	if artifact.FormatVersion != workflow.FormatVersion {
		return nil, fmt.Errorf("workflow %q revision %d has format version %d, expected %d",
			artifact.Name, artifact.Revision, artifact.FormatVersion, workflow.FormatVersion)
	}
	if opts.Logger == nil {
		opts.Logger = s.logger
	}
	w, err := workflow.Load(bytes.NewReader(artifact.Document), opts)
	if err != nil {
		s.logger.Error("Failed to load workflow",
			zap.String("name", artifact.Name),
			zap.Int("revision", artifact.Revision),
			zap.Error(err))
		return nil, err
	}
	return w, nil
}
