package rates

import (
	"fmt"
	"math"
	"time"
)

// Schedule is a peak/off-peak tariff. Peak hours form the half-open
// interval [PeakHourStart, PeakHourEnd) of the local hour of day.
type Schedule struct {
	PeakHourStart int
	PeakHourEnd   int
	PeakRate      float64 // cost per unit of reading delta
	OffPeakRate   float64
}

func (s Schedule) Validate() error {
	if s.PeakHourStart < 0 || s.PeakHourStart > 23 {
		return fmt.Errorf("peak hour start %d out of range 0-23", s.PeakHourStart)
	}
	if s.PeakHourEnd < 0 || s.PeakHourEnd > 23 {
		return fmt.Errorf("peak hour end %d out of range 0-23", s.PeakHourEnd)
	}
	if s.PeakHourStart > s.PeakHourEnd {
		return fmt.Errorf("peak hour start %d is after peak hour end %d", s.PeakHourStart, s.PeakHourEnd)
	}
	if !finite(s.PeakRate) {
		return fmt.Errorf("invalid peak rate %v", s.PeakRate)
	}
	if !finite(s.OffPeakRate) {
		return fmt.Errorf("invalid off-peak rate %v", s.OffPeakRate)
	}
	return nil
}

func (s Schedule) IsPeak(hour int) bool {
	return hour >= s.PeakHourStart && hour < s.PeakHourEnd
}

// Rate returns the unit rate that applies to the given hour of day.
func (s Schedule) Rate(hour int) float64 {
	if s.IsPeak(hour) {
		return s.PeakRate
	}
	return s.OffPeakRate
}

// Cost bills the delta between two cumulative readings at the rate of
// billingHour. A decreasing counter (meter reset) yields a negative cost.
func (s Schedule) Cost(currentReading, lastReading float64, billingHour int) float64 {
	return (currentReading - lastReading) * s.Rate(billingHour)
}

// BillingHour is the hour during which the consumption ending at t took
// place, i.e. the hour of t minus one hour.
func BillingHour(t time.Time) int {
	return t.Add(-time.Hour).Hour()
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
