package webuntis

import (
	"encoding/json"
	"fmt"

	"icsuntis/internal/model"
)

var elementFields = []string{"id", "name", "longname"}

type rpcRequest struct {
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	JSONRPC string `json:"jsonrpc"`
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

type authResult struct {
	SessionID  string `json:"sessionId"`
	PersonType int    `json:"personType"`
	PersonID   int    `json:"personId"`
	KlasseID   int    `json:"klasseId"`
}

type element struct {
	ID   int `json:"id"`
	Type int `json:"type"`
}

type timetableOptions struct {
	Element       element  `json:"element"`
	StartDate     int      `json:"startDate"`
	EndDate       int      `json:"endDate"`
	ShowInfo      bool     `json:"showInfo"`
	ShowSubstText bool     `json:"showSubstText"`
	ShowLsText    bool     `json:"showLsText"`
	KlasseFields  []string `json:"klasseFields"`
	RoomFields    []string `json:"roomFields"`
	SubjectFields []string `json:"subjectFields"`
	TeacherFields []string `json:"teacherFields"`
}

type timetableParams struct {
	Options timetableOptions `json:"options"`
}

// period is one entry of a getTimetable result.
type period struct {
	ID        int             `json:"id"`
	Date      int             `json:"date"`
	StartTime int             `json:"startTime"`
	EndTime   int             `json:"endTime"`
	Code      string          `json:"code"`
	Subjects  []model.Element `json:"su"`
	Rooms     []model.Element `json:"ro"`
	Teachers  []model.Element `json:"te"`
	Info      string          `json:"info"`
	SubstText string          `json:"substText"`
	LsText    string          `json:"lstext"`
}

func (p period) lesson() model.RawLesson {
	info := p.Info
	if info == "" {
		info = p.SubstText
	}
	if info == "" {
		info = p.LsText
	}
	return model.RawLesson{
		ID:        p.ID,
		Date:      p.Date,
		StartTime: p.StartTime,
		EndTime:   p.EndTime,
		Code:      p.Code,
		Subjects:  p.Subjects,
		Rooms:     p.Rooms,
		Teachers:  p.Teachers,
		Info:      info,
	}
}
