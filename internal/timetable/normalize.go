package timetable

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"icsuntis/internal/model"
)

// Placeholders used when a lesson carries no subject, room or teacher.
const (
	PlaceholderTitle    = "Stunde"
	PlaceholderLocation = "Kein Raum"
	PlaceholderTeacher  = "Unbekannt"

	listSeparator = ", "
	teacherLabel  = "Teacher: "
	infoLabel     = "Info: "
)

var ErrMalformedLesson = errors.New("malformed lesson")

// Normalizer turns raw lessons into UTC calendar events.
type Normalizer struct {
	resolver *Resolver
}

func NewNormalizer(r *Resolver) *Normalizer {
	return &Normalizer{resolver: r}
}

// Normalize converts one lesson using the given remap snapshot. ok is false
// for cancelled lessons. A lesson with an undecodable date or time returns
// an error wrapping ErrMalformedLesson.
func (n *Normalizer) Normalize(l model.RawLesson, remap *Tables) (ev model.Event, ok bool, err error) {
	if l.Cancelled() {
		return model.Event{}, false, nil
	}

	year, month, day, err := decodeDate(l.Date)
	if err != nil {
		return model.Event{}, false, err
	}
	sh, sm, err := decodeTime(l.StartTime)
	if err != nil {
		return model.Event{}, false, fmt.Errorf("start: %w", err)
	}
	eh, em, err := decodeTime(l.EndTime)
	if err != nil {
		return model.Event{}, false, fmt.Errorf("end: %w", err)
	}

	start := n.resolver.ToUTC(Civil{Year: year, Month: month, Day: day, Hour: sh, Minute: sm})
	end := n.resolver.ToUTC(Civil{Year: year, Month: month, Day: day, Hour: eh, Minute: em})
	if end.Before(start) {
		return model.Event{}, false, fmt.Errorf("%w: lesson %d ends %04d before it starts %04d", ErrMalformedLesson, l.ID, l.EndTime, l.StartTime)
	}

	return model.Event{
		Summary:     Title(l.Subjects, remap.Get(KindSubject)),
		Location:    Location(l.Rooms, remap.Get(KindRoom)),
		Description: Description(l.Teachers, l.Info, remap.Get(KindTeacher)),
		Start:       start,
		End:         end,
	}, true, nil
}

// Title joins subject display names; remap -> long name -> short name.
func Title(subjects []model.Element, remap Mapping) string {
	title := joinNames(subjects, func(e model.Element) string {
		return firstNonEmpty(lookup(remap, e.Name), e.LongName, e.Name)
	})
	if title == "" {
		return PlaceholderTitle
	}
	return title
}

// Location joins room display names; remap -> short name -> long name.
func Location(rooms []model.Element, remap Mapping) string {
	loc := joinNames(rooms, func(e model.Element) string {
		return firstNonEmpty(lookup(remap, e.Name), e.Name, e.LongName)
	})
	if loc == "" {
		return PlaceholderLocation
	}
	return loc
}

// Description lists the teachers and appends the lesson info after a blank line.
func Description(teachers []model.Element, info string, remap Mapping) string {
	names := joinNames(teachers, func(e model.Element) string {
		return firstNonEmpty(lookup(remap, e.Name), e.LongName, e.Name)
	})
	if names == "" {
		names = PlaceholderTeacher
	}

	var b strings.Builder
	b.WriteString(teacherLabel)
	b.WriteString(names)
	if info != "" {
		b.WriteString("\n\n")
		b.WriteString(infoLabel)
		b.WriteString(info)
	}
	return b.String()
}

func joinNames(elems []model.Element, display func(model.Element) string) string {
	names := make([]string, 0, len(elems))
	for _, e := range elems {
		if name := display(e); name != "" {
			names = append(names, name)
		}
	}
	return strings.Join(names, listSeparator)
}

func lookup(m Mapping, key string) string {
	if key == "" {
		return ""
	}
	v, _ := m.Lookup(key)
	return v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// decodeDate splits a YYYYMMDD numeral, left-padding it to eight digits first.
func decodeDate(v int) (int, time.Month, int, error) {
	if v <= 0 {
		return 0, 0, 0, fmt.Errorf("%w: date %d", ErrMalformedLesson, v)
	}
	s := fmt.Sprintf("%08d", v)
	if len(s) != 8 {
		return 0, 0, 0, fmt.Errorf("%w: date %d", ErrMalformedLesson, v)
	}

	year, _ := strconv.Atoi(s[:4])
	month, _ := strconv.Atoi(s[4:6])
	day, _ := strconv.Atoi(s[6:8])

	// time.Date normalizes out-of-range values; a mismatch means the day does not exist.
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return 0, 0, 0, fmt.Errorf("%w: date %s", ErrMalformedLesson, s)
	}
	return year, time.Month(month), day, nil
}

// decodeTime splits an HHMM integer. 24:00 is accepted as end of day.
func decodeTime(v int) (int, int, error) {
	if v < 0 {
		return 0, 0, fmt.Errorf("%w: time %d", ErrMalformedLesson, v)
	}
	h, m := v/100, v%100
	if m >= 60 || h > 24 || (h == 24 && m != 0) {
		return 0, 0, fmt.Errorf("%w: time %04d", ErrMalformedLesson, v)
	}
	return h, m, nil
}
