package domain

const (
	ClientIPCtxKey = "af-clientIP"
)

const (
	EventAffiliateRegistered = "affiliate.registered"
	EventCommissionRecorded  = "commission.recorded"
)

// Purchase stages, in order.
type PurchaseStage int

const (
	StageValidating PurchaseStage = iota
	StageForwarding
	StageRecording
	StageCompleted
)

func (s PurchaseStage) String() string {
	switch s {
	case StageValidating:
		return "validating"
	case StageForwarding:
		return "forwarding"
	case StageRecording:
		return "recording"
	case StageCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Health check status strings.
const (
	StatusHealthy       = "healthy"
	StatusUnhealthy     = "unhealthy"
	StatusUnreachable   = "unreachable"
	StatusNotConfigured = "not_configured"
	StatusDegraded      = "degraded"
)

// Purchase outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeDegraded  = "degraded"
	OutcomeFailed    = "failed"
)
