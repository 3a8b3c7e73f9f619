package cost

import "fmt"

// CostConfiguration describes when a run stops before its last round. With an empty CostType
// the run always completes every round.
type CostConfiguration struct {
	CostType       string     `yaml:"cost_type" json:"costType"`
	Source         CostSource `yaml:"source" json:"source"`
	Budget         float64    `yaml:"budget" json:"budget"`
	TargetAccuracy float64    `yaml:"target_accuracy" json:"targetAccuracy"`
}

const TotalBudget_CostType = "totalBudget"
const TargetAccuracy_CostType = "targetAccuracy"

func (config CostConfiguration) Validate() error {
	switch config.CostType {
	case "":
	case TotalBudget_CostType:
		if config.Budget <= 0 {
			return fmt.Errorf("cost budget must be positive, got %v", config.Budget)
		}
	case TargetAccuracy_CostType:
		if config.TargetAccuracy <= 0 || config.TargetAccuracy > 1 {
			return fmt.Errorf("target accuracy must be in (0, 1], got %v", config.TargetAccuracy)
		}
	default:
		return fmt.Errorf("invalid cost type: %s", config.CostType)
	}
	return nil
}

// BudgetExhausted reports whether spending another round of roundCost would exceed the budget.
func (config CostConfiguration) BudgetExhausted(totalCost float64, roundCost float64) bool {
	return config.CostType == TotalBudget_CostType && totalCost+roundCost > config.Budget
}

func (config CostConfiguration) TargetReached(accuracy float64) bool {
	return config.CostType == TargetAccuracy_CostType && accuracy >= config.TargetAccuracy
}
