package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionTransitions(t *testing.T) {
	require.True(t, CanTransition(SessionScheduled, SessionInProgress))
	require.True(t, CanTransition(SessionInProgress, SessionCompleted))
	require.True(t, CanTransition(SessionInProgress, SessionFailed))
	require.False(t, CanTransition(SessionScheduled, SessionCompleted))

	for _, terminal := range []SessionStatus{SessionCompleted, SessionCancelled, SessionFailed} {
		require.True(t, terminal.IsTerminal())
		for _, to := range sessionStatuses {
			require.Falsef(t, CanTransition(terminal, to), "%s -> %s must be rejected", terminal, to)
		}
	}
}

func TestStatusValidity(t *testing.T) {
	for _, s := range sessionStatuses {
		require.True(t, s.Valid())
	}
	require.False(t, SessionStatus("Paused").Valid())
	require.False(t, SpotStatus("").Valid())
	require.False(t, StationStatus("active").Valid())
	require.False(t, ReservationStatus("Done").Valid())
	require.False(t, PaymentStatus("Settled").Valid())

	require.True(t, SpotMaintenance.ManuallySettable())
	require.False(t, SpotOccupied.ManuallySettable())
	require.False(t, SpotReserved.ManuallySettable())
}

func TestReservationAndPaymentTransitions(t *testing.T) {
	require.True(t, CanTransitionReservation(ReservationPending, ReservationConfirmed))
	require.True(t, CanTransitionReservation(ReservationConfirmed, ReservationNoShow))
	require.False(t, CanTransitionReservation(ReservationCompleted, ReservationCancelled))
	require.Equal(t,
		[]ReservationStatus{ReservationPending, ReservationConfirmed, ReservationCheckedIn},
		ReservationSourcesOf(ReservationCancelled),
	)
	require.True(t, ReservationConfirmed.HoldsSpot())
	require.False(t, ReservationPending.HoldsSpot())

	require.True(t, CanTransitionPayment(PaymentPending, PaymentCaptured))
	require.True(t, CanTransitionPayment(PaymentCaptured, PaymentRefunded))
	require.False(t, CanTransitionPayment(PaymentFailed, PaymentCaptured))
	require.Equal(t, []PaymentStatus{PaymentCaptured}, PaymentSourcesOf(PaymentRefunded))
}
