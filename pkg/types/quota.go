package types

// Plan represents a subscription tier
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
	PlanTeam Plan = "team"
)

// IsValid checks if the plan is a known tier
func (p Plan) IsValid() bool {
	switch p {
	case PlanFree, PlanPro, PlanTeam:
		return true
	default:
		return false
	}
}

// PlanLimits is the monthly allowance for one plan tier
type PlanLimits struct {
	Scans  int   `yaml:"scans" json:"scans"`
	Tokens int64 `yaml:"tokens" json:"tokens"`
}

// QuotaStatus is computed fresh from the ledger and plan limits on
// every check; it is never persisted
type QuotaStatus struct {
	HasQuota        bool    `json:"has_quota"`
	ScansRemaining  int     `json:"scans_remaining"`
	TokensRemaining int64   `json:"tokens_remaining"`
	Message         *string `json:"message,omitempty"`
}
