package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-features/pkg/models"
)

const artifactCachePrefix = "ekaya-features:artifact:"

// cachedWorkflowArtifactRepository serves GetByID from Redis. Artifact rows
// are immutable, so only Delete needs to invalidate.
type cachedWorkflowArtifactRepository struct {
	WorkflowArtifactRepository
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedWorkflowArtifactRepository wraps inner with a read-through Redis
// cache. A nil client returns inner unchanged. Cache failures are logged and
// fall back to inner.
func NewCachedWorkflowArtifactRepository(inner WorkflowArtifactRepository, client *redis.Client, ttl time.Duration, logger *zap.Logger) WorkflowArtifactRepository {
	if client == nil {
		return inner
	}
	return &cachedWorkflowArtifactRepository{
		WorkflowArtifactRepository: inner,
		client:                     client,
		ttl:                        ttl,
		logger:                     logger.Named("artifact_cache"),
	}
}

var _ WorkflowArtifactRepository = (*cachedWorkflowArtifactRepository)(nil)

func artifactCacheKey(id uuid.UUID) string {
	return artifactCachePrefix + id.String()
}

func (r *cachedWorkflowArtifactRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.WorkflowArtifact, error) {
	key := artifactCacheKey(id)
	data, err := r.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var a models.WorkflowArtifact
		if err := json.Unmarshal(data, &a); err == nil {
			return &a, nil
		}
		r.logger.Warn("Discarding undecodable cache entry", zap.String("artifact_id", id.String()))
	case !errors.Is(err, redis.Nil):
		r.logger.Warn("Artifact cache read failed", zap.String("artifact_id", id.String()), zap.Error(err))
	}

	a, err := r.WorkflowArtifactRepository.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.store(ctx, a)
	return a, nil
}

func (r *cachedWorkflowArtifactRepository) GetLatest(ctx context.Context, name string) (*models.WorkflowArtifact, error) {
	a, err := r.WorkflowArtifactRepository.GetLatest(ctx, name)
	if err != nil {
		return nil, err
	}
	r.store(ctx, a)
	return a, nil
}

func (r *cachedWorkflowArtifactRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.client.Del(ctx, artifactCacheKey(id)).Err(); err != nil {
		r.logger.Warn("Artifact cache invalidation failed", zap.String("artifact_id", id.String()), zap.Error(err))
	}
	return r.WorkflowArtifactRepository.Delete(ctx, id)
}

func (r *cachedWorkflowArtifactRepository) store(ctx context.Context, a *models.WorkflowArtifact) {
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, artifactCacheKey(a.ID), data, r.ttl).Err(); err != nil {
		r.logger.Warn("Artifact cache write failed", zap.String("artifact_id", a.ID.String()), zap.Error(err))
	}
}
