package audithook

// Action constants for audit events.
const (
	// Account actions
	ActionAccountOpened      = "account.opened"
	ActionInvariantViolation = "account.invariant_violation"

	// Charge actions
	ActionCreditsCharged = "credits.charged"
	ActionChargeRejected = "credits.charge_rejected"
	ActionUsageFlushed   = "usage.flushed"

	// Grant actions
	ActionCreditsGranted = "credits.granted"
	ActionCodeRedeemed   = "code.redeemed"
	ActionCodesExpired   = "code.expired"

	// Sweep actions
	ActionAccountRefreshed = "account.refreshed"
	ActionSweepCompleted   = "sweep.completed"
	ActionLowBalance       = "balance.low"
)

// Resource constants for audit events.
const (
	ResourceAccount = "account"
	ResourceUsage   = "usage"
	ResourceCode    = "code"
	ResourceSweep   = "sweep"
)

// Category constants for audit events.
const (
	CategoryBilling   = "billing"
	CategoryUsage     = "usage"
	CategoryAccess    = "access"
	CategoryIntegrity = "integrity"
	CategorySchedule  = "schedule"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
