package service

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/Pratyush2586/release-assessment-portal/internal/models"
	"github.com/Pratyush2586/release-assessment-portal/pkg/config"
	"github.com/Pratyush2586/release-assessment-portal/pkg/jobs"
)

const jobTypeTerminalNotice = "request.terminal"

type notificationUserRepo interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// NotificationService delivers terminal-state notices to request owners
// through a background worker queue so engine callbacks never block on
// delivery.
type NotificationService struct {
	queue  *jobs.Queue
	users  notificationUserRepo
	audit  requestAuditor
	logger *zap.Logger
}

// NewNotificationService builds the dispatcher and its worker queue.
func NewNotificationService(users notificationUserRepo, audit requestAuditor, logger *zap.Logger, cfg config.NotificationsConfig) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &NotificationService{users: users, audit: audit, logger: logger}
	s.queue = jobs.NewQueue("notifications", s.handle, jobs.QueueConfig{
		Workers:    cfg.WorkerConcurrency,
		MaxRetries: cfg.WorkerRetries,
		Logger:     logger,
	})
	return s
}

// Start launches the worker pool.
func (s *NotificationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the worker pool.
func (s *NotificationService) Stop() {
	s.queue.Stop()
}

// NotifyTerminal enqueues a notice for a request that reached a terminal
// state. Enqueue failures are logged, never propagated: a lost notice
// must not fail the transition that triggered it.
func (s *NotificationService) NotifyTerminal(request models.AssessmentRequest) {
	job := jobs.Job{
		ID:      fmt.Sprintf("%s:%s", request.ID, request.Status),
		Type:    jobTypeTerminalNotice,
		Payload: request,
	}
	if err := s.queue.Enqueue(job); err != nil {
		s.logger.Warn("failed to enqueue terminal notice",
			zap.String("request_id", request.ID),
			zap.String("status", string(request.Status)),
			zap.Error(err))
	}
}

func (s *NotificationService) handle(ctx context.Context, job jobs.Job) error {
	request, ok := job.Payload.(models.AssessmentRequest)
	if !ok {
		s.logger.Error("discarding notice with unexpected payload", zap.String("job_id", job.ID))
		return nil
	}

	owner, err := s.users.FindByID(ctx, request.UserID)
	if err != nil {
		return fmt.Errorf("load notice recipient: %w", err)
	}

	// Delivery is a structured log line for now; a mail or webhook sender
	// can replace this without touching the queue plumbing.
	s.logger.Info("assessment notice dispatched",
		zap.String("request_id", request.ID),
		zap.String("status", string(request.Status)),
		zap.String("recipient", owner.Email))

	if s.audit != nil {
		payload, _ := json.Marshal(map[string]string{
			"status":    string(request.Status),
			"recipient": owner.Email,
		})
		if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
			UserID:     &request.UserID,
			Action:     models.AuditActionNotifyDispatch,
			Resource:   "assessment_requests",
			ResourceID: &request.ID,
			NewValues:  payload,
		}); err != nil {
			s.logger.Warn("failed to record notice audit log", zap.Error(err))
		}
	}
	return nil
}
