package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"evcharge/backend/services/sessions-service/internal/models"
)

// ActiveSession stored in redis for quick access.
type ActiveSession struct {
	SessionID   int64     `json:"session_id"`
	SpotID      int64     `json:"spot_id"`
	StationID   int64     `json:"station_id"`
	UserID      int64     `json:"user_id"`
	PricePerKWh float64   `json:"price_per_kwh"`
	StartTime   time.Time `json:"start_time"`
}

// Store manages the active session and latest progress cache.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore returns redis-backed store.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: client, ttl: ttl}
}

func activeKey(sessionID int64) string {
	return fmt.Sprintf("sessions:active:%d", sessionID)
}

func progressKey(sessionID int64) string {
	return fmt.Sprintf("sessions:progress:%d", sessionID)
}

// SaveActive caches a running session.
func (s *Store) SaveActive(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(ActiveSession{
		SessionID:   session.ID,
		SpotID:      session.SpotID,
		StationID:   session.StationID,
		UserID:      session.UserID,
		PricePerKWh: session.PricePerKWh,
		StartTime:   session.StartTime,
	})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, activeKey(session.ID), data, s.ttl).Err()
}

// GetActive returns a cached session; redis.Nil when absent.
func (s *Store) GetActive(ctx context.Context, sessionID int64) (*ActiveSession, error) {
	result, err := s.client.Get(ctx, activeKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	var session ActiveSession
	if err := json.Unmarshal([]byte(result), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// DeleteActive drops the session and its cached progress.
func (s *Store) DeleteActive(ctx context.Context, sessionID int64) error {
	return s.client.Del(ctx, activeKey(sessionID), progressKey(sessionID)).Err()
}

// SaveProgress caches the latest snapshot of a session.
func (s *Store) SaveProgress(ctx context.Context, p *models.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, progressKey(p.SessionID), data, s.ttl).Err()
}

// LatestProgress returns the cached snapshot; redis.Nil when absent.
func (s *Store) LatestProgress(ctx context.Context, sessionID int64) (*models.Progress, error) {
	result, err := s.client.Get(ctx, progressKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	var p models.Progress
	if err := json.Unmarshal([]byte(result), &p); err != nil {
		return nil, err
	}
	return &p, nil
}
