package fetcher

import (
	"fmt"
	"time"

	"github.com/Sternrassler/mailfetch/pkg/breaker"
)

// BatchPlan is the pacing of one session, derived once from breaker state.
type BatchPlan struct {
	PageSize          int           `mapstructure:"page_size" json:"page_size"`
	DetailConcurrency int           `mapstructure:"detail_concurrency" json:"detail_concurrency"`
	InterBatchDelay   time.Duration `mapstructure:"inter_batch_delay" json:"inter_batch_delay"`
	PageDelay         time.Duration `mapstructure:"page_delay" json:"page_delay"`
	Heavy             bool          `mapstructure:"-" json:"heavy"`
}

// Plans holds the plan of each scheduler mode.
type Plans struct {
	Normal BatchPlan `mapstructure:"normal"`
	Heavy  BatchPlan `mapstructure:"heavy"`
}

// DefaultPlans returns the default plans.
func DefaultPlans() Plans {
	return Plans{
		Normal: BatchPlan{
			PageSize:          100,
			DetailConcurrency: 10,
			InterBatchDelay:   1 * time.Second,
			PageDelay:         250 * time.Millisecond,
		},
		Heavy: BatchPlan{
			PageSize:          50,
			DetailConcurrency: 1,
			InterBatchDelay:   4 * time.Second,
			PageDelay:         1 * time.Second,
			Heavy:             true,
		},
	}
}

// Validate checks both plans.
func (p Plans) Validate() error {
	for name, plan := range map[string]BatchPlan{"normal": p.Normal, "heavy": p.Heavy} {
		if plan.PageSize < 1 {
			return fmt.Errorf("%s plan: page_size must be >= 1, got %d", name, plan.PageSize)
		}
		if plan.DetailConcurrency < 1 {
			return fmt.Errorf("%s plan: detail_concurrency must be >= 1, got %d", name, plan.DetailConcurrency)
		}
		if plan.InterBatchDelay < 0 || plan.PageDelay < 0 {
			return fmt.Errorf("%s plan: delays must not be negative", name)
		}
	}
	return nil
}

// PlanFor selects the plan for a breaker state. An open breaker is always
// heavy.
func PlanFor(s breaker.State, plans Plans) BatchPlan {
	if s.IsHeavy || s.IsOpen {
		p := plans.Heavy
		p.Heavy = true
		return p
	}
	p := plans.Normal
	p.Heavy = false
	return p
}
