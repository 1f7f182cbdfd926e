// Package memory is an in-process repository with the same conditional-update semantics
// as the Postgres one. It backs the service, job and handler tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"gopkg.in/guregu/null.v4"

	"evcharge/backend/services/sessions-service/internal/models"
	"evcharge/backend/services/sessions-service/internal/repository"
)

// Store keeps every table in maps guarded by a single mutex.
type Store struct {
	mu  sync.Mutex
	now func() time.Time
	seq int64

	stations     map[int64]models.Station
	spots        map[int64]models.Spot
	sessions     map[int64]models.Session
	progress     map[int64][]models.Progress
	reservations map[int64]models.Reservation
	payments     map[int64]models.PaymentTransaction
	tariffs      []models.Tariff
	users        map[int64]models.User
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		now:          func() time.Time { return time.Now().UTC() },
		stations:     make(map[int64]models.Station),
		spots:        make(map[int64]models.Spot),
		sessions:     make(map[int64]models.Session),
		progress:     make(map[int64][]models.Progress),
		reservations: make(map[int64]models.Reservation),
		payments:     make(map[int64]models.PaymentTransaction),
		users:        make(map[int64]models.User),
	}
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

// AddStation seeds a station and returns it with an id assigned when zero.
func (s *Store) AddStation(st models.Station) models.Station {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.ID == 0 {
		st.ID = s.nextID()
	} else if st.ID > s.seq {
		s.seq = st.ID
	}
	if st.Status == "" {
		st.Status = models.StationActive
	}
	st.CreatedAt, st.UpdatedAt = s.now(), s.now()
	s.stations[st.ID] = st
	return st
}

// AddSpot seeds a spot.
func (s *Store) AddSpot(sp models.Spot) models.Spot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp.ID == 0 {
		sp.ID = s.nextID()
	} else if sp.ID > s.seq {
		s.seq = sp.ID
	}
	if sp.Status == "" {
		sp.Status = models.SpotAvailable
	}
	sp.CreatedAt, sp.UpdatedAt = s.now(), s.now()
	s.spots[sp.ID] = sp
	return sp
}

// AddUser seeds a user.
func (s *Store) AddUser(u models.User) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == 0 {
		u.ID = s.nextID()
	} else if u.ID > s.seq {
		s.seq = u.ID
	}
	u.CreatedAt, u.UpdatedAt = s.now(), s.now()
	s.users[u.ID] = u
	return u
}

// AddTariff seeds a tariff.
func (s *Store) AddTariff(t models.Tariff) models.Tariff {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = s.nextID()
	t.CreatedAt, t.UpdatedAt = s.now(), s.now()
	s.tariffs = append(s.tariffs, t)
	return t
}

// GetStation implements the station lookup.
func (s *Store) GetStation(_ context.Context, id int64) (*models.Station, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &st, nil
}

// GetSpot loads a spot.
func (s *Store) GetSpot(_ context.Context, id int64) (*models.Spot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.spots[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &sp, nil
}

// ListSpotsByStation returns spots of a station ordered by id.
func (s *Store) ListSpotsByStation(_ context.Context, stationID int64) ([]models.Spot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterSpots(func(sp models.Spot) bool { return sp.StationID == stationID }), nil
}

// ListSpots returns all spots.
func (s *Store) ListSpots(_ context.Context) ([]models.Spot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterSpots(func(models.Spot) bool { return true }), nil
}

func (s *Store) filterSpots(keep func(models.Spot) bool) []models.Spot {
	var out []models.Spot
	for _, sp := range s.spots {
		if keep(sp) {
			out = append(out, sp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetSpotStatus applies the spot CAS.
func (s *Store) SetSpotStatus(_ context.Context, id int64, from []models.SpotStatus, to models.SpotStatus) (*models.Spot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.spots[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !contains(from, sp.Status) {
		return nil, repository.ErrSpotBusy
	}
	sp.Status = to
	sp.UpdatedAt = s.now()
	s.spots[id] = sp
	return &sp, nil
}

// InitQRCode stores code only while the spot has none.
func (s *Store) InitQRCode(_ context.Context, id int64, code string, rotatedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.spots[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if sp.QRCode != "" {
		return false, nil
	}
	sp.QRCode = code
	sp.QRRotatedAt = rotatedAt
	sp.UpdatedAt = s.now()
	s.spots[id] = sp
	return true, nil
}

// UpdateQRCode replaces the rotating code.
func (s *Store) UpdateQRCode(_ context.Context, id int64, code string, rotatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.spots[id]
	if !ok {
		return repository.ErrNotFound
	}
	sp.QRCode = code
	sp.QRRotatedAt = rotatedAt
	sp.UpdatedAt = s.now()
	s.spots[id] = sp
	return nil
}

// StartSession mirrors the transactional start: every precondition is checked before
// anything is written.
func (s *Store) StartSession(_ context.Context, params repository.StartParams) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := *params.Session

	spot, ok := s.spots[in.SpotID]
	if !ok || !contains(params.ExpectedSpotStatuses, spot.Status) {
		return nil, repository.ErrSpotBusy
	}

	var reservation models.Reservation
	if params.ReservationID != 0 {
		reservation, ok = s.reservations[params.ReservationID]
		if !ok || reservation.Status != models.ReservationConfirmed {
			return nil, repository.ErrPreconditionFailed
		}
	}

	var scheduled models.Session
	if params.ScheduledSessionID != 0 {
		scheduled, ok = s.sessions[params.ScheduledSessionID]
		if !ok || scheduled.Status != models.SessionScheduled {
			return nil, repository.ErrPreconditionFailed
		}
	} else {
		for _, existing := range s.sessions {
			if existing.SpotID == in.SpotID && existing.Status == models.SessionInProgress {
				return nil, repository.ErrSpotBusy
			}
		}
	}

	now := s.now()
	spot.Status = models.SpotOccupied
	spot.UpdatedAt = now
	s.spots[spot.ID] = spot

	if params.ReservationID != 0 {
		reservation.Status = models.ReservationCheckedIn
		reservation.UpdatedAt = now
		s.reservations[reservation.ID] = reservation
	}

	if params.ScheduledSessionID != 0 {
		scheduled.Status = models.SessionInProgress
		scheduled.StartTime = in.StartTime
		scheduled.PricePerKWh = in.PricePerKWh
		scheduled.EnergyRequestedKWh = in.EnergyRequestedKWh
		scheduled.InitialSoc = in.InitialSoc
		scheduled.CurrentSoc = in.CurrentSoc
		scheduled.TargetSoc = in.TargetSoc
		scheduled.CurrentPowerKW = in.CurrentPowerKW
		scheduled.BatteryCapacityKWh = in.BatteryCapacityKWh
		if in.VehicleID.Valid {
			scheduled.VehicleID = in.VehicleID
		}
		scheduled.UpdatedAt = now
		s.sessions[scheduled.ID] = scheduled
		return &scheduled, nil
	}

	return s.insertSession(in), nil
}

func (s *Store) insertSession(in models.Session) *models.Session {
	now := s.now()
	in.ID = s.nextID()
	in.CreatedAt, in.UpdatedAt = now, now
	s.sessions[in.ID] = in
	return &in
}

// FinishSession applies a terminal transition.
func (s *Store) FinishSession(_ context.Context, params repository.FinishParams) (*repository.FinishResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[params.SessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if session.Status != params.From {
		return nil, repository.ErrPreconditionFailed
	}
	if params.EnergyDeliveredKWh.Valid && session.EnergyDeliveredKWh > params.EnergyDeliveredKWh.Float64 {
		return nil, repository.ErrPreconditionFailed
	}
	prior := session.Status
	now := s.now()

	session.Status = params.To
	session.EndTime = null.TimeFrom(params.EndTime)
	if params.EnergyDeliveredKWh.Valid {
		session.EnergyDeliveredKWh = params.EnergyDeliveredKWh.Float64
	}
	session.Cost = params.Cost
	session.FailureReason = params.FailureReason
	session.UpdatedAt = now
	s.sessions[session.ID] = session

	result := &repository.FinishResult{Session: &session}

	if params.SpotTo != "" {
		held := models.SpotOccupied
		if prior == models.SessionScheduled {
			held = models.SpotReserved
		}
		if spot, ok := s.spots[session.SpotID]; ok && spot.Status == held {
			spot.Status = params.SpotTo
			spot.UpdatedAt = now
			s.spots[spot.ID] = spot
			result.SpotChanged = true
		}
	}

	if params.ReservationTo != "" && session.ReservationID.Valid {
		reservation, ok := s.reservations[session.ReservationID.Int64]
		if ok && models.CanTransitionReservation(reservation.Status, params.ReservationTo) {
			reservation.Status = params.ReservationTo
			reservation.UpdatedAt = now
			s.reservations[reservation.ID] = reservation
			result.Reservation = &reservation
		}
	}
	return result, nil
}

// RecordProgress applies the snapshot only while InProgress with non-decreasing energy.
func (s *Store) RecordProgress(_ context.Context, p *models.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[p.SessionID]
	if !ok || session.Status != models.SessionInProgress || session.EnergyDeliveredKWh > p.EnergyDeliveredKWh {
		return repository.ErrPreconditionFailed
	}
	session.CurrentSoc = p.SocPercentage
	session.CurrentPowerKW = p.PowerKW
	session.EnergyDeliveredKWh = p.EnergyDeliveredKWh
	session.UpdatedAt = s.now()
	s.sessions[session.ID] = session

	p.ID = s.nextID()
	s.progress[p.SessionID] = append(s.progress[p.SessionID], *p)
	return nil
}

// GetSession loads a session.
func (s *Store) GetSession(_ context.Context, id int64) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &session, nil
}

// GetScheduledByReservation returns the Scheduled session of a reservation.
func (s *Store) GetScheduledByReservation(_ context.Context, reservationID int64) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.ReservationID.Valid && session.ReservationID.Int64 == reservationID &&
			session.Status == models.SessionScheduled {
			return &session, nil
		}
	}
	return nil, repository.ErrNotFound
}

// LatestProgress returns the newest snapshot.
func (s *Store) LatestProgress(_ context.Context, sessionID int64) (*models.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshots := s.progress[sessionID]
	if len(snapshots) == 0 {
		return nil, repository.ErrNotFound
	}
	latest := snapshots[len(snapshots)-1]
	return &latest, nil
}

// ListProgress returns the newest limit snapshots, oldest first.
func (s *Store) ListProgress(_ context.Context, sessionID int64, limit int) ([]models.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshots := s.progress[sessionID]
	if limit <= 0 {
		limit = repository.DefaultProgressLimit
	}
	if len(snapshots) > limit {
		snapshots = snapshots[len(snapshots)-limit:]
	}
	return append([]models.Progress(nil), snapshots...), nil
}

// ListActiveByStation returns InProgress sessions of a station.
func (s *Store) ListActiveByStation(_ context.Context, stationID int64) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterSessions(0, func(session models.Session) bool {
		return session.StationID == stationID && session.Status == models.SessionInProgress
	}), nil
}

// ListInProgress returns every InProgress session.
func (s *Store) ListInProgress(_ context.Context, limit int) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterSessions(limit, func(session models.Session) bool {
		return session.Status == models.SessionInProgress
	}), nil
}

// ListByUser returns sessions of a user, newest first.
func (s *Store) ListByUser(_ context.Context, userID int64, limit int) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	out := s.filterSessions(0, func(session models.Session) bool { return session.UserID == userID })
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) filterSessions(limit int, keep func(models.Session) bool) []models.Session {
	var out []models.Session
	for _, session := range s.sessions {
		if keep(session) {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CreateReservation inserts a reservation; confirmation codes are unique.
func (s *Store) CreateReservation(_ context.Context, res *models.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.reservations {
		if existing.ConfirmationCode == res.ConfirmationCode {
			return repository.ErrDuplicate
		}
	}
	now := s.now()
	res.ID = s.nextID()
	res.CreatedAt, res.UpdatedAt = now, now
	s.reservations[res.ID] = *res
	return nil
}

// GetReservation loads a reservation.
func (s *Store) GetReservation(_ context.Context, id int64) (*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &res, nil
}

// ConfirmReservation confirms, holds the spot and inserts the Scheduled session.
func (s *Store) ConfirmReservation(_ context.Context, id int64, scheduled *models.Session) (*models.Reservation, *models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok || res.Status != models.ReservationPending {
		return nil, nil, repository.ErrPreconditionFailed
	}
	spot, ok := s.spots[res.SpotID]
	if !ok || spot.Status != models.SpotAvailable {
		return nil, nil, repository.ErrSpotBusy
	}

	now := s.now()
	res.Status = models.ReservationConfirmed
	res.UpdatedAt = now
	s.reservations[id] = res

	spot.Status = models.SpotReserved
	spot.UpdatedAt = now
	s.spots[spot.ID] = spot

	return &res, s.insertSession(*scheduled), nil
}

// ReleaseReservation closes a reservation and frees what it held.
func (s *Store) ReleaseReservation(_ context.Context, id int64, from, to models.ReservationStatus) (*repository.ReleaseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if res.Status != from || !models.CanTransitionReservation(from, to) {
		return nil, repository.ErrPreconditionFailed
	}
	prior := res.Status
	now := s.now()
	res.Status = to
	res.UpdatedAt = now
	s.reservations[id] = res

	result := &repository.ReleaseResult{Reservation: &res}
	if !prior.HoldsSpot() {
		return result, nil
	}

	for sid, session := range s.sessions {
		if session.ReservationID.Valid && session.ReservationID.Int64 == id && session.Status == models.SessionScheduled {
			session.Status = models.SessionCancelled
			session.EndTime = null.TimeFrom(now)
			session.UpdatedAt = now
			s.sessions[sid] = session
			result.CancelledSession = sid
			break
		}
	}
	if spot, ok := s.spots[res.SpotID]; ok && spot.Status == models.SpotReserved {
		spot.Status = models.SpotAvailable
		spot.UpdatedAt = now
		s.spots[spot.ID] = spot
		result.SpotFreed = true
	}
	return result, nil
}

// ListOverdueReservations mirrors the sweeper query.
func (s *Store) ListOverdueReservations(_ context.Context, confirmedBefore, pendingBefore time.Time) ([]models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Reservation
	for _, res := range s.reservations {
		switch {
		case res.Status == models.ReservationConfirmed && res.ScheduledStart.Before(confirmedBefore),
			res.Status == models.ReservationPending && res.ScheduledEnd.Before(pendingBefore):
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledStart.Before(out[j].ScheduledStart) })
	return out, nil
}

// CreatePayment inserts a transaction; one per session.
func (s *Store) CreatePayment(_ context.Context, p *models.PaymentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.SessionID.Valid {
		for _, existing := range s.payments {
			if existing.SessionID.Valid && existing.SessionID.Int64 == p.SessionID.Int64 {
				return repository.ErrDuplicate
			}
		}
	}
	now := s.now()
	p.ID = s.nextID()
	p.CreatedAt, p.UpdatedAt = now, now
	s.payments[p.ID] = *p
	return nil
}

// GetPayment loads a transaction.
func (s *Store) GetPayment(_ context.Context, id int64) (*models.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

// UpdatePaymentStatus applies the payment CAS.
func (s *Store) UpdatePaymentStatus(_ context.Context, id int64, from []models.PaymentStatus, to models.PaymentStatus) (*models.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !contains(from, p.Status) {
		return nil, repository.ErrPreconditionFailed
	}
	p.Status = to
	p.UpdatedAt = s.now()
	s.payments[id] = p
	return &p, nil
}

// ListPaymentsByUser returns a user's transactions, newest first.
func (s *Store) ListPaymentsByUser(_ context.Context, userID int64, limit int) ([]models.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []models.PaymentTransaction
	for _, p := range s.payments {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetActiveTariff returns the last seeded active tariff.
func (s *Store) GetActiveTariff(_ context.Context) (*models.Tariff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.tariffs) - 1; i >= 0; i-- {
		if s.tariffs[i].IsActive {
			t := s.tariffs[i]
			return &t, nil
		}
	}
	return nil, repository.ErrNotFound
}

// GetUser loads a user.
func (s *Store) GetUser(_ context.Context, id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

// SetUserActive toggles account activation.
func (s *Store) SetUserActive(_ context.Context, id int64, active bool) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	u.IsActive = active
	u.UpdatedAt = s.now()
	s.users[id] = u
	return &u, nil
}

func contains[S comparable](set []S, s S) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}
