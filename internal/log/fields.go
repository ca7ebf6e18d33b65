// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldJobName   = "job_name"
	FieldLeaseID   = "lease_id"
	FieldSource    = "source"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Governor fields
	FieldMode    = "mode"
	FieldReason  = "reason"
	FieldOldMode = "old_mode"
	FieldNewMode = "new_mode"

	// Scheduler fields
	FieldAttempt  = "attempt"
	FieldPriority = "priority"
	FieldState    = "state"

	// Timing fields
	FieldElapsedMS = "elapsed_ms"
	FieldGrantedMS = "granted_ms"
	FieldBudgetMS  = "budget_remaining_ms"
)
