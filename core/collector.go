package core

import "time"

// DefaultCollectorInterval applies when a collector declares no interval.
const DefaultCollectorInterval = 600 * time.Second

// Collector describes an external fact-gathering process.
type Collector struct {
	Name            string `json:"name" validate:"required"`
	Script          string `json:"script"`
	IntervalSeconds int    `json:"interval_seconds" validate:"gte=0"`
	Enabled         bool   `json:"enabled"`
	ReplacePrevious bool   `json:"replace_previous"`
}

// Interval returns the schedule period, never below MinCollectorInterval.
func (c Collector) Interval() time.Duration {
	d := time.Duration(c.IntervalSeconds) * time.Second
	if c.IntervalSeconds <= 0 {
		d = DefaultCollectorInterval
	}
	if d < MinCollectorInterval {
		return MinCollectorInterval
	}
	return d
}
