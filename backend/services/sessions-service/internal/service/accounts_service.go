package service

import (
	"context"

	"go.uber.org/zap"

	"evcharge/backend/services/sessions-service/internal/models"
)

// AccountsService toggles account activation and tells the user's open dashboards.
type AccountsService struct {
	users    UserStore
	notifier Notifier
	logger   *zap.Logger
}

// NewAccountsService builds service.
func NewAccountsService(users UserStore, notifier Notifier, logger *zap.Logger) *AccountsService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &AccountsService{users: users, notifier: notifier, logger: logger}
}

// SetActive stores the activation flag and emits AccountStatusChanged.
func (s *AccountsService) SetActive(ctx context.Context, userID int64, active bool, message string) (*models.User, error) {
	user, err := s.users.SetUserActive(ctx, userID, active)
	if err != nil {
		return nil, notFound(err, "user", userID)
	}
	if message == "" {
		message = "Your account has been deactivated"
		if active {
			message = "Your account has been activated"
		}
	}
	s.logger.Info("account status changed", zap.Int64("user_id", userID), zap.Bool("is_active", active))
	s.notifier.AccountStatusChanged(ctx, userID, active, message)
	return user, nil
}
