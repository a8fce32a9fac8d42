package timetable

import (
	"fmt"
	"time"

	// Embedded zoneinfo so minimal containers still resolve Europe/Berlin.
	_ "time/tzdata"
)

// DefaultZone is the civil timezone of the school when none is configured.
const DefaultZone = "Europe/Berlin"

// Civil is a naive wall-clock date and time without zone information.
type Civil struct {
	Year   int
	Month  time.Month
	Day    int
	Hour   int
	Minute int
}

func (c Civil) String() string {
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d", c.Year, int(c.Month), c.Day, c.Hour, c.Minute)
}

// Resolver converts civil times in a fixed IANA zone to UTC and back. The
// offset is looked up per instant, so DST transitions are honored.
type Resolver struct {
	loc *time.Location
}

// NewResolver loads the named zone. An empty name selects DefaultZone.
func NewResolver(name string) (*Resolver, error) {
	if name == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return &Resolver{loc: loc}, nil
}

// Location returns the civil zone.
func (r *Resolver) Location() *time.Location {
	return r.loc
}

// ToUTC interprets c as wall-clock time in the civil zone.
func (r *Resolver) ToUTC(c Civil) time.Time {
	return time.Date(c.Year, c.Month, c.Day, c.Hour, c.Minute, 0, 0, r.loc).UTC()
}

// ToCivil renders an instant as wall-clock time in the civil zone.
func (r *Resolver) ToCivil(t time.Time) Civil {
	lt := t.In(r.loc)
	return Civil{
		Year:   lt.Year(),
		Month:  lt.Month(),
		Day:    lt.Day(),
		Hour:   lt.Hour(),
		Minute: lt.Minute(),
	}
}

// Today returns midnight of the current civil day for the given instant.
func (r *Resolver) Today(now time.Time) time.Time {
	lt := now.In(r.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, r.loc)
}
