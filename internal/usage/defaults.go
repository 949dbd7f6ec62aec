package usage

import "time"

const (
	defaultPlan   = "starter"
	defaultLimit  = 20
	defaultPeriod = 30 * 24 * time.Hour
)

func defaultUsage() Usage {
	return Usage{
		Plan:     defaultPlan,
		Limit:    defaultLimit,
		Used:     0,
		ResetsAt: time.Now().UTC().Add(defaultPeriod),
	}
}
