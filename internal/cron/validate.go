package cron

import (
	robfig "github.com/robfig/cron/v3"
)

// standardParser accepts the classical 5-field vocabulary (min hour dom
// month dow) without robfig's extensions, matching the dialect HubSchedule
// dispatches on.
var standardParser = robfig.NewParser(
	robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow,
)

// ValidateCronExpression is the cheap yes/no check used by schedule
// validation endpoints. Dispatch itself always goes through HubSchedule,
// which carries the stricter rejections (step zero, inverted ranges) and
// calendar matching the scheduler needs.
func ValidateCronExpression(expr string) error {
	if _, err := ParseHubCron(expr); err != nil {
		return err
	}
	_, err := standardParser.Parse(expr)
	return err
}
