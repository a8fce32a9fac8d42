package ics

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"icsuntis/internal/model"
)

const (
	DefaultProductID = "-//icsuntis//timetable//DE"
	DefaultName      = "Stundenplan"

	uidDomain = "@icsuntis"
)

// ErrInvalidEvent reports event data the encoder refuses to serialize.
// Reaching it means the normalizer or merger produced a broken event.
var ErrInvalidEvent = errors.New("invalid calendar event")

// Encoder serializes events into an iCalendar document.
type Encoder struct {
	ProductID string
	// Name is published as X-WR-CALNAME.
	Name string
	// Timezone is published as X-WR-TIMEZONE; event times are always UTC.
	Timezone string
}

// NewEncoder returns an Encoder with default product id and name.
func NewEncoder(timezone string) *Encoder {
	return &Encoder{
		ProductID: DefaultProductID,
		Name:      DefaultName,
		Timezone:  timezone,
	}
}

// Encode writes one VEVENT per event. stamp becomes every event's DTSTAMP.
// Zero events yield a valid calendar without VEVENTs.
func (e *Encoder) Encode(events []model.Event, stamp time.Time) ([]byte, error) {
	for i, ev := range events {
		if err := validate(ev); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(e.ProductID)
	if e.Name != "" {
		cal.SetXWRCalName(e.Name)
	}
	if e.Timezone != "" {
		cal.SetXWRTimezone(e.Timezone)
	}

	stamp = stamp.UTC()
	seen := make(map[string]int, len(events))
	for _, ev := range events {
		vev := cal.AddEvent(eventUID(ev, seen))
		vev.SetDtStampTime(stamp)
		vev.SetStartAt(ev.Start.UTC())
		vev.SetEndAt(ev.End.UTC())
		vev.SetSummary(ev.Summary)
		vev.SetLocation(ev.Location)
		vev.SetDescription(ev.Description)
	}

	return []byte(cal.Serialize()), nil
}

func validate(ev model.Event) error {
	switch {
	case ev.Start.IsZero() || ev.End.IsZero():
		return fmt.Errorf("%w: missing start or end", ErrInvalidEvent)
	case ev.End.Before(ev.Start):
		return fmt.Errorf("%w: end %s before start %s", ErrInvalidEvent, ev.End.Format(time.RFC3339), ev.Start.Format(time.RFC3339))
	case ev.Summary == "":
		return fmt.Errorf("%w: empty summary", ErrInvalidEvent)
	case ev.Location == "":
		return fmt.Errorf("%w: empty location", ErrInvalidEvent)
	case ev.Description == "":
		return fmt.Errorf("%w: empty description", ErrInvalidEvent)
	}
	return nil
}

// eventUID derives a stable UID from start, summary and location so that
// subscribed clients update events in place across refreshes. Events that
// would collide get a running suffix.
func eventUID(ev model.Event, seen map[string]int) string {
	name := ev.Start.UTC().Format(time.RFC3339) + "|" + ev.Summary + "|" + ev.Location
	if n := seen[name]; n > 0 {
		seen[name] = n + 1
		name += "|" + strconv.Itoa(n)
	} else {
		seen[name] = 1
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String() + uidDomain
}
