package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	red "github.com/redis/go-redis/v9"

	"github.com/arklim/webapp-admission/internal/core/port"
	store "github.com/arklim/webapp-admission/internal/infra/redis"
)

const (
	defaultRevocationPrefix        = "token:blacklist"
	defaultSubjectRevocationPrefix = "token:revoke_all"
)

// RevocationConfig holds the key namespaces for revocation markers.
type RevocationConfig struct {
	KeyPrefix        string
	SubjectKeyPrefix string
}

// RevocationRepository manages token revocation markers backed by Redis.
// Markers expire on their own; nothing ever deletes them explicitly.
type RevocationRepository struct {
	client        *store.Client
	prefix        string
	subjectPrefix string
}

// NewRevocationRepository wires the shared store client into a revocation repository.
func NewRevocationRepository(client *store.Client, cfg RevocationConfig) *RevocationRepository {
	prefix := strings.Trim(strings.TrimSpace(cfg.KeyPrefix), ":")
	if prefix == "" {
		prefix = defaultRevocationPrefix
	}
	subjectPrefix := strings.Trim(strings.TrimSpace(cfg.SubjectKeyPrefix), ":")
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectRevocationPrefix
	}

	return &RevocationRepository{client: client, prefix: prefix, subjectPrefix: subjectPrefix}
}

// MarkRevoked stores the token identifier with reason and a TTL matching the token's remaining lifetime.
func (r *RevocationRepository) MarkRevoked(ctx context.Context, tokenID string, reason string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}

	key := r.key(r.prefix, tokenID)
	if key == "" {
		return errors.New("token id must not be empty")
	}

	ctx, cancel := r.client.OperationContext(ctx)
	defer cancel()

	if err := r.client.Client().Set(ctx, key, reason, ttl).Err(); err != nil {
		return store.Unavailable("redis set revoked token", err)
	}

	return nil
}

// IsRevoked reports whether a live marker exists for the token identifier.
func (r *RevocationRepository) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	key := r.key(r.prefix, tokenID)
	if key == "" {
		return false, errors.New("token id must not be empty")
	}

	ctx, cancel := r.client.OperationContext(ctx)
	defer cancel()

	n, err := r.client.Client().Exists(ctx, key).Result()
	if err != nil {
		return false, store.Unavailable("redis exists revoked token", err)
	}

	return n > 0, nil
}

// MarkSubjectRevoked records the unix second at which every token of the subject was revoked.
func (r *RevocationRepository) MarkSubjectRevoked(ctx context.Context, subjectID string, at time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}

	key := r.key(r.subjectPrefix, subjectID)
	if key == "" {
		return errors.New("subject id must not be empty")
	}

	ctx, cancel := r.client.OperationContext(ctx)
	defer cancel()

	if err := r.client.Client().Set(ctx, key, strconv.FormatInt(at.Unix(), 10), ttl).Err(); err != nil {
		return store.Unavailable("redis set subject revocation", err)
	}

	return nil
}

// SubjectRevokedAt returns the subject-wide revocation time when one is recorded.
func (r *RevocationRepository) SubjectRevokedAt(ctx context.Context, subjectID string) (time.Time, bool, error) {
	key := r.key(r.subjectPrefix, subjectID)
	if key == "" {
		return time.Time{}, false, errors.New("subject id must not be empty")
	}

	ctx, cancel := r.client.OperationContext(ctx)
	defer cancel()

	value, err := r.client.Client().Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, red.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, store.Unavailable("redis get subject revocation", err)
	}

	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse subject revocation time: %w", err)
	}

	return time.Unix(seconds, 0).UTC(), true, nil
}

func (r *RevocationRepository) key(prefix, id string) string {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", prefix, trimmed)
}

var _ port.RevocationStore = (*RevocationRepository)(nil)
