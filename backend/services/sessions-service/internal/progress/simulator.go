package progress

import (
	"math"
	"time"
)

// DefaultReference is the time assumed to take a vehicle from its initial to its target
// state of charge when the battery capacity is unknown.
const DefaultReference = time.Hour

// Input describes a running session for estimation.
type Input struct {
	InitialSoc   float64
	TargetSoc    float64
	RatedPowerKW float64
	Elapsed      time.Duration
	// Reference is the full-charge duration; zero means DefaultReference.
	Reference time.Duration
}

// Estimate is the simulated state of a session at Input.Elapsed.
type Estimate struct {
	SocFraction                   float64 `json:"soc_fraction"`
	CurrentSoc                    float64 `json:"current_soc"`
	EnergyDeliveredKWh            float64 `json:"energy_delivered_kwh"`
	EstimatedTimeRemainingMinutes float64 `json:"estimated_time_remaining_minutes"`
}

// Simulate derives SOC, delivered energy and remaining time assuming a linear charge
// rate that reaches the target after the reference duration.
// Energy stops growing once the reference elapses: the vehicle is at its target, so
// the estimate never exceeds RatedPowerKW times the reference.
func Simulate(in Input) Estimate {
	reference := in.Reference
	if reference <= 0 {
		reference = DefaultReference
	}
	elapsed := in.Elapsed
	if elapsed < 0 {
		elapsed = 0
	}

	elapsedHours := elapsed.Hours()
	referenceHours := reference.Hours()
	fraction := math.Min(1, elapsedHours/referenceHours)

	span := in.TargetSoc - in.InitialSoc
	if span < 0 {
		span = 0
	}

	power := in.RatedPowerKW
	if power < 0 {
		power = 0
	}

	return Estimate{
		SocFraction:                   fraction,
		CurrentSoc:                    in.InitialSoc + span*fraction,
		EnergyDeliveredKWh:            power * math.Min(elapsedHours, referenceHours),
		EstimatedTimeRemainingMinutes: (1 - fraction) * reference.Minutes(),
	}
}

// ReferenceDuration returns how long the charge from initialSoc to targetSoc takes at
// powerKW for a battery of capacityKWh. Without a usable capacity or power it returns
// fallback, keeping the fixed-duration approximation.
func ReferenceDuration(initialSoc, targetSoc, capacityKWh, powerKW float64, fallback time.Duration) time.Duration {
	if fallback <= 0 {
		fallback = DefaultReference
	}
	if capacityKWh <= 0 || powerKW <= 0 || targetSoc <= initialSoc {
		return fallback
	}
	neededKWh := capacityKWh * (targetSoc - initialSoc) / 100
	hours := neededKWh / powerKW
	d := time.Duration(hours * float64(time.Hour))
	if d < time.Minute {
		return time.Minute
	}
	return d
}

// Cost is the session price: energy at the per-kWh price plus the flat base fee.
func Cost(energyKWh, pricePerKWh, baseFee float64) float64 {
	if energyKWh < 0 {
		energyKWh = 0
	}
	return energyKWh*pricePerKWh + baseFee
}

// DeltaEnergy returns the non-negative energy increment between two meter readings.
func DeltaEnergy(prev, current float64) float64 {
	if current < prev {
		return 0
	}
	return current - prev
}
