package models

import (
	"errors"
	"fmt"
	"strings"
)

// CrimeType is the crime category dimension of a segment.
type CrimeType string

// TimeOfDay is the time-of-day dimension of a segment.
type TimeOfDay string

const (
	CrimeAll      CrimeType = "all"
	CrimeViolent  CrimeType = "violent"
	CrimeProperty CrimeType = "property"
	CrimeOther    CrimeType = "other"
)

const (
	TimeAll   TimeOfDay = "all"
	TimeDay   TimeOfDay = "day"
	TimeNight TimeOfDay = "night"
)

// ErrInvalidSegment is returned when a crime type or time of day is not recognised.
var ErrInvalidSegment = errors.New("invalid segment")

// Segment is a (crime type, time of day) filter pair. The all/all segment is the
// baseline; every other segment is an adjustment relative to it.
type Segment struct {
	CrimeType CrimeType `json:"crime_type"`
	TimeOfDay TimeOfDay `json:"time_of_day"`
}

// Baseline is the all/all segment.
var Baseline = Segment{CrimeType: CrimeAll, TimeOfDay: TimeAll}

// ParseCrimeType parses a crime type, treating the empty string as "all".
func ParseCrimeType(s string) (CrimeType, error) {
	switch ct := CrimeType(strings.ToLower(strings.TrimSpace(s))); ct {
	case "":
		return CrimeAll, nil
	case CrimeAll, CrimeViolent, CrimeProperty, CrimeOther:
		return ct, nil
	default:
		return "", fmt.Errorf("%w: crime_type %q", ErrInvalidSegment, s)
	}
}

// ParseTimeOfDay parses a time of day, treating the empty string as "all".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	switch tod := TimeOfDay(strings.ToLower(strings.TrimSpace(s))); tod {
	case "":
		return TimeAll, nil
	case TimeAll, TimeDay, TimeNight:
		return tod, nil
	default:
		return "", fmt.Errorf("%w: time_of_day %q", ErrInvalidSegment, s)
	}
}

// ParseSegment parses both dimensions of a segment.
func ParseSegment(crimeType, timeOfDay string) (Segment, error) {
	ct, err := ParseCrimeType(crimeType)
	if err != nil {
		return Segment{}, err
	}
	tod, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return Segment{}, err
	}
	return Segment{CrimeType: ct, TimeOfDay: tod}, nil
}

// IsBaseline reports whether s is the all/all segment.
func (s Segment) IsBaseline() bool {
	return s.CrimeType == CrimeAll && s.TimeOfDay == TimeAll
}

// HasCrimeType reports whether the crime type dimension is specific.
func (s Segment) HasCrimeType() bool {
	return s.CrimeType != CrimeAll
}

// HasTimeOfDay reports whether the time of day dimension is specific.
func (s Segment) HasTimeOfDay() bool {
	return s.TimeOfDay != TimeAll
}

func (s Segment) String() string {
	return string(s.CrimeType) + "/" + string(s.TimeOfDay)
}
