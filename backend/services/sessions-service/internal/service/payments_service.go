package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/guregu/null.v4"

	"evcharge/backend/services/sessions-service/internal/models"
	"evcharge/backend/services/sessions-service/internal/repository"
)

const defaultPaymentMethod = "vnpay"

// PaymentsService handles settlement records of completed sessions.
type PaymentsService struct {
	repo     PaymentStore
	currency string
	logger   *zap.Logger
}

// NewPaymentsService builds service.
func NewPaymentsService(repo PaymentStore, currency string, logger *zap.Logger) *PaymentsService {
	if currency == "" {
		currency = "VND"
	}
	return &PaymentsService{
		repo:     repo,
		currency: currency,
		logger:   logger,
	}
}

// OpenForSession stores a Pending transaction for the session's cost.
func (s *PaymentsService) OpenForSession(ctx context.Context, session *models.Session) (*models.PaymentTransaction, error) {
	if session.Status != models.SessionCompleted || !session.Cost.Valid {
		return nil, fmt.Errorf("%w: session %d is not billable", ErrInvalidTransition, session.ID)
	}

	tx := &models.PaymentTransaction{
		SessionID:     null.IntFrom(session.ID),
		ReservationID: session.ReservationID,
		UserID:        session.UserID,
		Amount:        session.Cost.Float64,
		Currency:      s.currency,
		Method:        defaultPaymentMethod,
		Status:        models.PaymentPending,
	}
	if err := s.repo.CreatePayment(ctx, tx); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("%w: session %d already has a payment", ErrInvalidTransition, session.ID)
		}
		return nil, err
	}

	s.logger.Info("payment opened",
		zap.Int64("payment_id", tx.ID),
		zap.Int64("session_id", session.ID),
		zap.Float64("amount", tx.Amount),
	)
	return tx, nil
}

// UpdateStatus applies a gateway outcome to a transaction.
func (s *PaymentsService) UpdateStatus(ctx context.Context, id int64, to models.PaymentStatus) (*models.PaymentTransaction, error) {
	if !to.Valid() {
		return nil, validationf("unknown payment status %q", to)
	}
	current, err := s.repo.GetPayment(ctx, id)
	if err != nil {
		return nil, notFound(err, "payment", id)
	}
	if !models.CanTransitionPayment(current.Status, to) {
		return nil, fmt.Errorf("%w: payment %d is %s", ErrInvalidTransition, id, current.Status)
	}

	updated, err := s.repo.UpdatePaymentStatus(ctx, id, models.PaymentSourcesOf(to), to)
	if err != nil {
		if errors.Is(err, repository.ErrPreconditionFailed) {
			return nil, fmt.Errorf("%w: payment %d changed concurrently", ErrInvalidTransition, id)
		}
		return nil, notFound(err, "payment", id)
	}

	s.logger.Info("payment status updated",
		zap.Int64("payment_id", id),
		zap.String("from", string(current.Status)),
		zap.String("to", string(to)),
	)
	return updated, nil
}

// ForUser returns history for given user.
func (s *PaymentsService) ForUser(ctx context.Context, userID int64, limit int) ([]models.PaymentTransaction, error) {
	return s.repo.ListPaymentsByUser(ctx, userID, limit)
}
