package timetable

import (
	"slices"

	"icsuntis/internal/model"
)

// Merge coalesces runs of back-to-back events with identical summary,
// location and description. Two events are back-to-back only when the first
// ends exactly when the second starts. The input must be ordered by start;
// output order follows input order and the input slice is not modified.
func Merge(events []model.Event) []model.Event {
	if len(events) == 0 {
		return []model.Event{}
	}

	out := make([]model.Event, 0, len(events))
	cur := events[0]
	for _, next := range events[1:] {
		if cur.SameContent(next) && cur.End.Equal(next.Start) {
			cur.End = next.End
			continue
		}
		out = append(out, cur)
		cur = next
	}
	return append(out, cur)
}

// SortByStart orders events by start instant, keeping source order for ties.
func SortByStart(events []model.Event) {
	slices.SortStableFunc(events, func(a, b model.Event) int {
		return a.Start.Compare(b.Start)
	})
}
