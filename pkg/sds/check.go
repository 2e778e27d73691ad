package sds

import (
	"log/slog"

	"github.com/sanonone/pmemcore/pkg/metrics"
)

// Check compares the stored record of a pool being opened against current,
// built from today's device data.
//
// Every outcome except one leaves stored valid and clean. When stored says
// the pool was open and the device facts changed since, power was lost with
// writes possibly in flight: Check returns ErrCorruptionRisk and does not
// touch stored, so it can still be inspected.
func Check(current, stored *State) error {
	outcome := classify(current, stored)
	metrics.ShutdownStateChecks.WithLabelValues(outcome).Inc()

	switch outcome {
	case "clean":
		return nil
	case "corruption_risk":
		slog.Error("shutdown state reports power loss while open",
			"stored_usc", stored.UnsafeShutdownCount(),
			"current_usc", current.UnsafeShutdownCount(),
			"stored_signature", stored.Signature(),
			"current_signature", current.Signature())
		return ErrCorruptionRisk
	}

	slog.Info("reinitializing shutdown state", "reason", outcome)
	stored.reinitFrom(current)
	return nil
}

func classify(current, stored *State) string {
	switch {
	case stored.IsZero():
		return "reinit_zero"
	case !stored.Valid():
		// A crash during a previous update left a torn record.
		return "reinit_checksum"
	case stored.matches(current) && !stored.Dirty():
		return "clean"
	case stored.matches(current):
		return "reinit_killed"
	case !stored.Dirty():
		return "reinit_power_loss_closed"
	default:
		return "corruption_risk"
	}
}
