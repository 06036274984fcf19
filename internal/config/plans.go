package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	PlanFree = "free"
	PlanPro  = "pro"
	PlanTeam = "team"
)

// PlanConfig defines the billing policy surface: what each plan allocates
// per month, how much of each operation is free per day, what operations
// nominally cost, and how hard their endpoints are rate limited.
type PlanConfig struct {
	Plans      map[string]PlanTier      `mapstructure:"plans"`
	Operations map[string]OperationCost `mapstructure:"operations"`
}

type PlanTier struct {
	MonthlyAllocation float64        `mapstructure:"monthlyAllocation"`
	DailyFree         map[string]int `mapstructure:"dailyFree"`
}

type OperationCost struct {
	NominalCost float64 `mapstructure:"nominalCost"`
	// Rate is tokens per second; Burst is bucket capacity.
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

func DefaultPlanConfig() PlanConfig {
	return PlanConfig{
		Plans: map[string]PlanTier{
			PlanFree: {
				MonthlyAllocation: 10,
				DailyFree: map[string]int{
					"review":            1,
					"conversation_turn": 5,
					"company_info":      2,
				},
			},
			PlanPro: {
				MonthlyAllocation: 200,
				DailyFree: map[string]int{
					"review":            2,
					"conversation_turn": 20,
					"company_info":      5,
				},
			},
			PlanTeam: {
				MonthlyAllocation: 1000,
				DailyFree: map[string]int{
					"review":            5,
					"conversation_turn": 50,
					"company_info":      10,
				},
			},
		},
		Operations: map[string]OperationCost{
			"review":            {NominalCost: 5, Rate: 0.1, Burst: 10},
			"conversation_turn": {NominalCost: 1, Rate: 0.5, Burst: 20},
			"company_info":      {NominalCost: 2, Rate: 0.2, Burst: 10},
		},
	}
}

// Allocation returns the monthly credit allocation for a plan, falling
// back to the free tier for unknown plans.
func (c PlanConfig) Allocation(plan string) float64 {
	if tier, ok := c.Plans[plan]; ok {
		return tier.MonthlyAllocation
	}
	return c.Plans[PlanFree].MonthlyAllocation
}

// FreeLimit returns the daily free quota for a plan/operation pair.
func (c PlanConfig) FreeLimit(plan, operation string) int {
	tier, ok := c.Plans[plan]
	if !ok {
		tier = c.Plans[PlanFree]
	}
	return tier.DailyFree[operation]
}

func (c PlanConfig) Cost(operation string) float64 {
	return c.Operations[operation].NominalCost
}

func (c PlanConfig) KnownPlan(plan string) bool {
	_, ok := c.Plans[plan]
	return ok
}

type PlanConfigHolder struct {
	current atomic.Value // holds PlanConfig
}

func NewPlanConfigHolder() (*PlanConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("plans")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/jobtrail/config") // Volume-mounted config
	v.AddConfigPath("/etc/jobtrail")            // System config
	v.AddConfigPath(".")                        // Current directory (dev mode)

	v.SetEnvPrefix("JOBTRAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPlanConfig()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		v.SetDefault("billing.plans", defaults.Plans)
		v.SetDefault("billing.operations", defaults.Operations)
	}

	var cfg PlanConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Plans) == 0 {
		cfg = defaults
	}
	if err := validatePlanConfig(cfg); err != nil {
		return nil, err
	}

	holder := &PlanConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PlanConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[plan-config] reload failed: %v", err)
			return
		}
		if err := validatePlanConfig(updated); err != nil {
			log.Printf("[plan-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[plan-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PlanConfigHolder) Get() PlanConfig {
	return h.current.Load().(PlanConfig)
}

// NewStaticPlanConfigHolder builds a holder around a fixed config. Tests
// and tools use it to avoid touching the filesystem.
func NewStaticPlanConfigHolder(cfg PlanConfig) *PlanConfigHolder {
	holder := &PlanConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func validatePlanConfig(cfg PlanConfig) error {
	if len(cfg.Plans) == 0 {
		return errors.New("billing.plans cannot be empty")
	}
	if _, ok := cfg.Plans[PlanFree]; !ok {
		return errors.New("billing.plans must define the free tier")
	}
	if len(cfg.Operations) == 0 {
		return errors.New("billing.operations cannot be empty")
	}
	for name, op := range cfg.Operations {
		if op.NominalCost < 0 {
			return errors.New("billing.operations." + name + ".nominalCost cannot be negative")
		}
	}
	return nil
}
