// Package service implements the audit workflow engine: rule evaluation,
// approver resolution, workflow instantiation and the step state machine.
//
// Every state change runs in one store transaction. Events are handed to the
// EventPublisher only after that transaction commits.
package service

import (
	"time"

	"github.com/google/uuid"

	"github.com/poplovexz/qiyewenjian-sub002/internal/logger"
	"github.com/poplovexz/qiyewenjian-sub002/internal/repository"
)

// AuditService orchestrates the multi-step approval workflow.
type AuditService struct {
	store     repository.Store
	resolver  *ApproverResolver
	publisher EventPublisher
	log       *logger.Logger
	now       func() time.Time
	newID     func() string
}

// Option customizes an AuditService.
type Option func(*AuditService)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *AuditService) { s.now = now }
}

// WithIDGenerator replaces the UUID generator.
func WithIDGenerator(newID func() string) Option {
	return func(s *AuditService) { s.newID = newID }
}

// NewAuditService creates a new AuditService. A nil publisher drops events.
func NewAuditService(
	store repository.Store,
	resolver *ApproverResolver,
	publisher EventPublisher,
	log *logger.Logger,
	opts ...Option,
) *AuditService {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	s := &AuditService{
		store:     store,
		resolver:  resolver,
		publisher: publisher,
		log:       log.Component("audit_service"),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func intPtr(i int) *int {
	return &i
}

func timePtr(t time.Time) *time.Time {
	return &t
}
