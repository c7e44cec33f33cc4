package models

import (
	"errors"
	"time"
)

// WeeklyCount is one historical fact: the number of incidents recorded for a
// neighborhood in one week and segment.
type WeeklyCount struct {
	NeighborhoodID string    `json:"neighborhood_id" db:"neighborhood_id"`
	WeekStart      time.Time `json:"week_start" db:"week_start"`
	CrimeType      CrimeType `json:"crime_type" db:"crime_type"`
	TimeOfDay      TimeOfDay `json:"time_of_day" db:"time_of_day"`
	Count          float64   `json:"count" db:"count"`
}

// Validate checks that all weekly count fields are valid
func (c *WeeklyCount) Validate() error {
	if c.NeighborhoodID == "" {
		return errors.New("neighborhood ID must not be empty")
	}
	if c.WeekStart.IsZero() {
		return errors.New("week start must be set")
	}
	if _, err := ParseCrimeType(string(c.CrimeType)); err != nil || c.CrimeType == "" {
		return errors.New("crime type must be one of all, violent, property, other")
	}
	if _, err := ParseTimeOfDay(string(c.TimeOfDay)); err != nil || c.TimeOfDay == "" {
		return errors.New("time of day must be one of all, day, night")
	}
	if c.Count < 0 {
		return errors.New("count must not be negative")
	}
	return nil
}

// Segment returns the segment this count belongs to.
func (c *WeeklyCount) Segment() Segment {
	return Segment{CrimeType: c.CrimeType, TimeOfDay: c.TimeOfDay}
}

// Point is one observation of a neighborhood's baseline weekly series.
type Point struct {
	Week  time.Time
	Count float64
}
