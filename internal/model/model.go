package model

import "time"

// StatusCancelled is the lesson code WebUntis reports for dropped periods.
const StatusCancelled = "cancelled"

// Element is one subject, room, teacher or class reference attached to a
// lesson. Name is the short code (e.g. "mat_GK_11"), LongName the display
// text the school maintains for it.
type Element struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	LongName string `json:"longname"`
}

// RawLesson is a single scheduled period exactly as the timetable source
// reports it.
type RawLesson struct {
	ID int

	// Date is the calendar day as YYYYMMDD.
	Date int
	// StartTime and EndTime are local wall-clock times encoded as HHMM.
	StartTime int
	EndTime   int

	// Code is the lesson status; empty for a regular lesson.
	Code string

	Subjects []Element
	Rooms    []Element
	Teachers []Element

	Info string
}

// Cancelled reports whether the source marked the lesson as dropped.
func (l RawLesson) Cancelled() bool {
	return l.Code == StatusCancelled
}

// Event is a normalized calendar entry. Start and End are UTC instants.
// After normalization only the merger touches End.
type Event struct {
	Summary     string
	Description string
	Location    string

	Start time.Time
	End   time.Time
}

// SameContent reports whether two events carry identical text fields.
func (e Event) SameContent(o Event) bool {
	return e.Summary == o.Summary && e.Location == o.Location && e.Description == o.Description
}
