package quota

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/espritsec/scanctl/pkg/types"
)

// LimitTable maps plan tiers to their monthly allowances. Immutable after
// load; unknown tiers fall back to the free tier.
type LimitTable struct {
	Plans map[types.Plan]types.PlanLimits `yaml:"plans" validate:"required"`
}

// DefaultLimits returns the compiled-in plan limit table
func DefaultLimits() *LimitTable {
	return &LimitTable{
		Plans: map[types.Plan]types.PlanLimits{
			types.PlanFree: {Scans: 5, Tokens: 100_000},
			types.PlanPro:  {Scans: 50, Tokens: 1_000_000},
			types.PlanTeam: {Scans: 999999, Tokens: 10_000_000},
		},
	}
}

// LoadLimits reads a plan limit table from a YAML file
func LoadLimits(path string) (*LimitTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read limits file %s: %w", path, err)
	}

	table := &LimitTable{}
	if err := yaml.Unmarshal(data, table); err != nil {
		return nil, fmt.Errorf("parse limits file %s: %w", path, err)
	}

	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("invalid limits file %s: %w", path, err)
	}

	return table, nil
}

// Validate checks the table is complete and sane
func (t *LimitTable) Validate() error {
	validate := validator.New()
	if err := validate.Struct(t); err != nil {
		return err
	}

	for _, plan := range []types.Plan{types.PlanFree, types.PlanPro, types.PlanTeam} {
		limits, ok := t.Plans[plan]
		if !ok {
			return fmt.Errorf("missing limits for plan %q", plan)
		}
		if limits.Scans < 0 || limits.Tokens < 0 {
			return fmt.Errorf("negative limits for plan %q", plan)
		}
	}

	return nil
}

// For returns the limits for a plan tier, falling back to free for
// unknown tiers
func (t *LimitTable) For(plan types.Plan) types.PlanLimits {
	if limits, ok := t.Plans[plan]; ok {
		return limits
	}
	return t.Plans[types.PlanFree]
}
