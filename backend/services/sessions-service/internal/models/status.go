package models

// transitions is an adjacency table of allowed status edges.
type transitions[S ~string] map[S][]S

func (t transitions[S]) allows(from, to S) bool {
	for _, next := range t[from] {
		if next == to {
			return true
		}
	}
	return false
}

// sources returns every status that may move to `to`, in table order.
func (t transitions[S]) sources(to S, order []S) []S {
	var out []S
	for _, from := range order {
		if t.allows(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// SessionStatus is the lifecycle state of a charging session.
type SessionStatus string

const (
	SessionScheduled  SessionStatus = "Scheduled"
	SessionInProgress SessionStatus = "InProgress"
	SessionCompleted  SessionStatus = "Completed"
	SessionCancelled  SessionStatus = "Cancelled"
	SessionFailed     SessionStatus = "Failed"
)

var sessionStatuses = []SessionStatus{
	SessionScheduled,
	SessionInProgress,
	SessionCompleted,
	SessionCancelled,
	SessionFailed,
}

var sessionTransitions = transitions[SessionStatus]{
	SessionScheduled:  {SessionInProgress, SessionCancelled, SessionFailed},
	SessionInProgress: {SessionCompleted, SessionCancelled, SessionFailed},
}

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	for _, known := range sessionStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionCancelled, SessionFailed:
		return true
	case SessionScheduled, SessionInProgress:
		return false
	}
	return false
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to SessionStatus) bool {
	return sessionTransitions.allows(from, to)
}

// SpotStatus is the occupancy state of a charging spot.
type SpotStatus string

const (
	SpotAvailable   SpotStatus = "Available"
	SpotOccupied    SpotStatus = "Occupied"
	SpotMaintenance SpotStatus = "Maintenance"
	SpotOutOfOrder  SpotStatus = "OutOfOrder"
	SpotReserved    SpotStatus = "Reserved"
)

// Valid reports whether s is a known spot status.
func (s SpotStatus) Valid() bool {
	switch s {
	case SpotAvailable, SpotOccupied, SpotMaintenance, SpotOutOfOrder, SpotReserved:
		return true
	}
	return false
}

// ManuallySettable reports whether staff may set the status directly. Occupied and
// Reserved are owned by the session and reservation lifecycles.
func (s SpotStatus) ManuallySettable() bool {
	switch s {
	case SpotAvailable, SpotMaintenance, SpotOutOfOrder:
		return true
	case SpotOccupied, SpotReserved:
		return false
	}
	return false
}

// StationStatus is the operating state of a station.
type StationStatus string

const (
	StationActive      StationStatus = "Active"
	StationInactive    StationStatus = "Inactive"
	StationMaintenance StationStatus = "Maintenance"
	StationClosed      StationStatus = "Closed"
)

// Valid reports whether s is a known station status.
func (s StationStatus) Valid() bool {
	switch s {
	case StationActive, StationInactive, StationMaintenance, StationClosed:
		return true
	}
	return false
}

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "Pending"
	ReservationConfirmed ReservationStatus = "Confirmed"
	ReservationCheckedIn ReservationStatus = "CheckedIn"
	ReservationCompleted ReservationStatus = "Completed"
	ReservationCancelled ReservationStatus = "Cancelled"
	ReservationExpired   ReservationStatus = "Expired"
	ReservationNoShow    ReservationStatus = "NoShow"
)

var reservationStatuses = []ReservationStatus{
	ReservationPending,
	ReservationConfirmed,
	ReservationCheckedIn,
	ReservationCompleted,
	ReservationCancelled,
	ReservationExpired,
	ReservationNoShow,
}

var reservationTransitions = transitions[ReservationStatus]{
	ReservationPending:   {ReservationConfirmed, ReservationCancelled, ReservationExpired},
	ReservationConfirmed: {ReservationCheckedIn, ReservationCancelled, ReservationNoShow, ReservationExpired},
	ReservationCheckedIn: {ReservationCompleted, ReservationCancelled},
}

// Valid reports whether s is a known reservation status.
func (s ReservationStatus) Valid() bool {
	switch s {
	case ReservationPending, ReservationConfirmed, ReservationCheckedIn, ReservationCompleted,
		ReservationCancelled, ReservationExpired, ReservationNoShow:
		return true
	}
	return false
}

// HoldsSpot reports whether a reservation in this status keeps its spot Reserved.
func (s ReservationStatus) HoldsSpot() bool {
	switch s {
	case ReservationConfirmed:
		return true
	case ReservationPending, ReservationCheckedIn, ReservationCompleted,
		ReservationCancelled, ReservationExpired, ReservationNoShow:
		return false
	}
	return false
}

// CanTransitionReservation reports whether a reservation may move between statuses.
func CanTransitionReservation(from, to ReservationStatus) bool {
	return reservationTransitions.allows(from, to)
}

// ReservationSourcesOf lists the statuses a reservation must be in to move to `to`.
func ReservationSourcesOf(to ReservationStatus) []ReservationStatus {
	return reservationTransitions.sources(to, reservationStatuses)
}

// PaymentStatus is the settlement state of a payment transaction.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "Pending"
	PaymentCaptured PaymentStatus = "Captured"
	PaymentFailed   PaymentStatus = "Failed"
	PaymentRefunded PaymentStatus = "Refunded"
)

var paymentStatuses = []PaymentStatus{PaymentPending, PaymentCaptured, PaymentFailed, PaymentRefunded}

var paymentTransitions = transitions[PaymentStatus]{
	PaymentPending:  {PaymentCaptured, PaymentFailed},
	PaymentCaptured: {PaymentRefunded},
}

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentCaptured, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// CanTransitionPayment reports whether a payment may move between statuses.
func CanTransitionPayment(from, to PaymentStatus) bool {
	return paymentTransitions.allows(from, to)
}

// PaymentSourcesOf lists the statuses a payment must be in to move to `to`.
func PaymentSourcesOf(to PaymentStatus) []PaymentStatus {
	return paymentTransitions.sources(to, paymentStatuses)
}
