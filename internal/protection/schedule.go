// Package protection throttles and protects one ingesting lane: warm-up rate
// limits, flood-wait backoff and periodic account health checks.
package protection

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Limits are the rate limits in force for one day of account age.
type Limits struct {
	MessagesPerHour int `yaml:"max_messages_per_hour"`
	JoinsPerDay     int `yaml:"max_joins_per_day"`
}

// Schedule is the warm-up table indexed by account age in days. Ages past the
// end of the table use the last entry.
type Schedule []Limits

// DefaultSchedule ramps a fresh account up over its first week.
var DefaultSchedule = Schedule{
	{MessagesPerHour: 10, JoinsPerDay: 2},
	{MessagesPerHour: 15, JoinsPerDay: 3},
	{MessagesPerHour: 20, JoinsPerDay: 5},
	{MessagesPerHour: 30, JoinsPerDay: 8},
	{MessagesPerHour: 40, JoinsPerDay: 10},
	{MessagesPerHour: 50, JoinsPerDay: 15},
	{MessagesPerHour: 60, JoinsPerDay: 20},
}

// For returns the limits for an account that is ageDays old.
func (s Schedule) For(ageDays int) Limits {
	if len(s) == 0 {
		return Limits{}
	}
	if ageDays < 0 {
		ageDays = 0
	}
	if ageDays >= len(s) {
		ageDays = len(s) - 1
	}
	return s[ageDays]
}

// Validate checks that the table is non-empty and never decreases with age.
func (s Schedule) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("warm-up schedule is empty")
	}
	for day := 1; day < len(s); day++ {
		if s[day].MessagesPerHour < s[day-1].MessagesPerHour {
			return fmt.Errorf("day %d: max_messages_per_hour %d is below day %d value %d",
				day, s[day].MessagesPerHour, day-1, s[day-1].MessagesPerHour)
		}
		if s[day].JoinsPerDay < s[day-1].JoinsPerDay {
			return fmt.Errorf("day %d: max_joins_per_day %d is below day %d value %d",
				day, s[day].JoinsPerDay, day-1, s[day-1].JoinsPerDay)
		}
	}
	return nil
}

// scheduleFile is the YAML layout of a warm-up table file:
//
//	days:
//	  - max_messages_per_hour: 10
//	    max_joins_per_day: 2
type scheduleFile struct {
	Days Schedule `yaml:"days"`
}

// LoadSchedule reads a warm-up table from a YAML file. An empty path yields
// DefaultSchedule.
func LoadSchedule(path string) (Schedule, error) {
	if path == "" {
		return DefaultSchedule, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read warm-up schedule: %w", err)
	}
	return ParseSchedule(data)
}

// ParseSchedule decodes and validates a YAML warm-up table.
func ParseSchedule(data []byte) (Schedule, error) {
	var f scheduleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse warm-up schedule: %w", err)
	}
	if err := f.Days.Validate(); err != nil {
		return nil, err
	}
	return f.Days, nil
}
