package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/webapp-admission/internal/core/domain"
	"github.com/arklim/webapp-admission/internal/core/port"
)

var (
	// ErrTokenIDRequired indicates the token identifier is missing.
	ErrTokenIDRequired = errors.New("token id is required")
	// ErrSubjectIDRequired indicates the subject identifier is missing.
	ErrSubjectIDRequired = errors.New("subject id is required")
)

// RevocationOptions configures optional behaviours for the service.
type RevocationOptions struct {
	// SubjectMarkerTTL must cover the longest-lived token a subject can hold.
	SubjectMarkerTTL time.Duration
}

// RevocationService records revoked tokens until they would have expired anyway.
type RevocationService struct {
	store      port.RevocationStore
	events     port.RevocationEventPublisher
	subjectTTL time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewRevocationService constructs the revocation service over a TTL-capable store.
func NewRevocationService(store port.RevocationStore, opts RevocationOptions) *RevocationService {
	svc := &RevocationService{
		store:      store,
		subjectTTL: opts.SubjectMarkerTTL,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	if svc.subjectTTL <= 0 {
		svc.subjectTTL = 24 * time.Hour
	}
	return svc
}

// WithLogger attaches a structured logger to the service for operational diagnostics.
func (s *RevocationService) WithLogger(logger *zap.Logger) *RevocationService {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithNow overrides the clock, primarily for deterministic testing.
func (s *RevocationService) WithNow(now func() time.Time) *RevocationService {
	if now != nil {
		s.now = now
	}
	return s
}

// WithPublisher announces user-initiated revocations to other services.
func (s *RevocationService) WithPublisher(events port.RevocationEventPublisher) *RevocationService {
	s.events = events
	return s
}

// Revoke marks tokenID revoked until expiresAt. An already expired token is a no-op.
func (s *RevocationService) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	_, err := s.Record(ctx, domain.TokenRevocation{TokenID: tokenID, ExpiresAt: expiresAt})
	return err
}

// Record stores a revocation and reports whether a marker was written.
func (s *RevocationService) Record(ctx context.Context, revocation domain.TokenRevocation) (bool, error) {
	tokenID := strings.TrimSpace(revocation.TokenID)
	if tokenID == "" {
		return false, ErrTokenIDRequired
	}

	ttl := revocation.TTL(s.now())
	if ttl <= 0 {
		return false, nil
	}

	reason := strings.TrimSpace(revocation.Reason)
	if reason == "" {
		reason = domain.RevocationReasonDefault
	}

	if err := s.store.MarkRevoked(ctx, tokenID, reason, ttl); err != nil {
		return false, fmt.Errorf("mark token revoked: %w", err)
	}
	return true, nil
}

// IsRevoked reports whether tokenID carries a live revocation marker.
func (s *RevocationService) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return false, ErrTokenIDRequired
	}
	return s.store.IsRevoked(ctx, tokenID)
}

// RevokeAllForSubject invalidates every token of subjectID issued before at.
// A non-positive ttl falls back to the configured subject marker TTL.
func (s *RevocationService) RevokeAllForSubject(ctx context.Context, subjectID string, at time.Time, ttl time.Duration) error {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return ErrSubjectIDRequired
	}
	if at.IsZero() {
		at = s.now()
	}
	if ttl <= 0 {
		ttl = s.subjectTTL
	}

	if err := s.store.MarkSubjectRevoked(ctx, subjectID, at, ttl); err != nil {
		return fmt.Errorf("mark subject revoked: %w", err)
	}
	return nil
}

// RevokedForSubject reports whether a token issued at issuedAt predates the subject's revoke-all marker.
func (s *RevocationService) RevokedForSubject(ctx context.Context, subjectID string, issuedAt time.Time) (bool, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return false, ErrSubjectIDRequired
	}

	revokedAt, found, err := s.store.SubjectRevokedAt(ctx, subjectID)
	if err != nil || !found {
		return false, err
	}
	return issuedAt.Unix() < revokedAt.Unix(), nil
}

// IsCredentialRevoked checks the token marker first, then the subject-wide marker.
func (s *RevocationService) IsCredentialRevoked(ctx context.Context, credential domain.Credential) (bool, error) {
	if credential.TokenID != "" {
		revoked, err := s.IsRevoked(ctx, credential.TokenID)
		if err != nil || revoked {
			return revoked, err
		}
	}
	if credential.SubjectID == "" || credential.IssuedAt.IsZero() {
		return false, nil
	}
	return s.RevokedForSubject(ctx, credential.SubjectID, credential.IssuedAt)
}

// Logout revokes the presented credential and announces it.
func (s *RevocationService) Logout(ctx context.Context, credential domain.Credential, actor string) error {
	now := s.now().UTC()
	revocation := domain.TokenRevocation{
		TokenID:   credential.TokenID,
		SubjectID: credential.SubjectID,
		ExpiresAt: credential.ExpiresAt,
		Reason:    domain.RevocationReasonLogout,
		RevokedAt: now,
	}

	written, err := s.Record(ctx, revocation)
	if err != nil {
		return err
	}
	if !written {
		return nil
	}

	if s.events != nil {
		event := domain.TokenRevokedEvent{
			EventID:   uuid.NewString(),
			TokenID:   credential.TokenID,
			SubjectID: credential.SubjectID,
			ExpiresAt: credential.ExpiresAt.UTC(),
			Reason:    domain.RevocationReasonLogout,
			Actor:     actor,
			RevokedAt: now,
		}
		if err := s.events.PublishTokenRevoked(ctx, event); err != nil {
			s.logger.Warn("publish token revoked event failed", zap.String("subject_id", credential.SubjectID), zap.Error(err))
		}
	}
	return nil
}

// LogoutAll revokes every token of the credential's subject and announces it.
func (s *RevocationService) LogoutAll(ctx context.Context, credential domain.Credential, actor string) error {
	now := s.now().UTC()
	if err := s.RevokeAllForSubject(ctx, credential.SubjectID, now, s.subjectTTL); err != nil {
		return err
	}

	if s.events != nil {
		event := domain.SubjectTokensRevokedEvent{
			EventID:    uuid.NewString(),
			SubjectID:  credential.SubjectID,
			RevokedAt:  now,
			TTLSeconds: int64(s.subjectTTL / time.Second),
			Actor:      actor,
		}
		if err := s.events.PublishSubjectTokensRevoked(ctx, event); err != nil {
			s.logger.Warn("publish subject tokens revoked event failed", zap.String("subject_id", credential.SubjectID), zap.Error(err))
		}
	}
	return nil
}
