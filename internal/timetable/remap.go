package timetable

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Kind selects one of the three remap tables.
type Kind string

const (
	KindSubject Kind = "subjects"
	KindRoom    Kind = "rooms"
	KindTeacher Kind = "teachers"
)

// Kinds lists the tables in display order.
var Kinds = []Kind{KindSubject, KindRoom, KindTeacher}

var ErrInvalidUpdate = errors.New("invalid remap update")

// ParseKind accepts both plural and singular spellings.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "subjects", "subject":
		return KindSubject, true
	case "rooms", "room":
		return KindRoom, true
	case "teachers", "teacher":
		return KindTeacher, true
	}
	return "", false
}

// Entry is one raw name -> display name pair.
type Entry struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// Mapping is an insertion-ordered string map. Values are never mutated in
// place; with/without return modified copies.
type Mapping struct {
	keys   []string
	values map[string]string
}

// NewMapping builds a Mapping from a plain map, ordering keys lexically.
func NewMapping(m map[string]string) Mapping {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := Mapping{keys: make([]string, 0, len(keys)), values: make(map[string]string, len(keys))}
	for _, k := range keys {
		out = out.with(k, m[k])
	}
	return out
}

// Lookup returns the display name for a raw name.
func (m Mapping) Lookup(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m Mapping) Len() int {
	return len(m.keys)
}

// Entries returns the pairs in insertion order.
func (m Mapping) Entries() []Entry {
	out := make([]Entry, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, Entry{Key: k, Value: m.values[k]})
	}
	return out
}

// Map returns a plain map copy.
func (m Mapping) Map() map[string]string {
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

func (m Mapping) clone() Mapping {
	out := Mapping{
		keys:   make([]string, len(m.keys)),
		values: make(map[string]string, len(m.values)),
	}
	copy(out.keys, m.keys)
	for k, v := range m.values {
		out.values[k] = v
	}
	return out
}

func (m Mapping) with(key, value string) Mapping {
	out := m.clone()
	if _, ok := out.values[key]; !ok {
		out.keys = append(out.keys, key)
	}
	out.values[key] = value
	return out
}

func (m Mapping) without(key string) Mapping {
	if _, ok := m.values[key]; !ok {
		return m
	}
	out := m.clone()
	delete(out.values, key)
	for i, k := range out.keys {
		if k == key {
			out.keys = append(out.keys[:i], out.keys[i+1:]...)
			break
		}
	}
	return out
}

// Tables is an immutable snapshot of all remap tables.
type Tables struct {
	Subjects Mapping
	Rooms    Mapping
	Teachers Mapping
}

// NewTables builds a snapshot from plain maps; nil maps are empty tables.
func NewTables(subjects, rooms, teachers map[string]string) *Tables {
	return &Tables{
		Subjects: NewMapping(subjects),
		Rooms:    NewMapping(rooms),
		Teachers: NewMapping(teachers),
	}
}

// Get returns the table for kind.
func (t *Tables) Get(kind Kind) Mapping {
	if t == nil {
		return Mapping{}
	}
	switch kind {
	case KindSubject:
		return t.Subjects
	case KindRoom:
		return t.Rooms
	case KindTeacher:
		return t.Teachers
	}
	return Mapping{}
}

func (t *Tables) set(kind Kind, m Mapping) {
	switch kind {
	case KindSubject:
		t.Subjects = m
	case KindRoom:
		t.Rooms = m
	case KindTeacher:
		t.Teachers = m
	}
}

// Update sets Key to Value in the table of Kind. An empty Value removes the key.
type Update struct {
	Kind  Kind
	Key   string
	Value string
}

// RemapTable holds the current Tables snapshot. Readers take a snapshot once
// per pipeline run; writers swap the whole snapshot, so a single run never
// sees a mix of old and new entries.
type RemapTable struct {
	writeMu sync.Mutex
	cur     atomic.Pointer[Tables]
}

func NewRemapTable(initial *Tables) *RemapTable {
	if initial == nil {
		initial = &Tables{}
	}
	r := &RemapTable{}
	r.cur.Store(initial)
	return r
}

// Snapshot returns the current immutable tables.
func (r *RemapTable) Snapshot() *Tables {
	return r.cur.Load()
}

// Apply validates all updates and installs them as one new snapshot.
func (r *RemapTable) Apply(updates ...Update) (*Tables, error) {
	for _, u := range updates {
		if _, ok := ParseKind(string(u.Kind)); !ok {
			return nil, fmt.Errorf("%w: unknown table %q", ErrInvalidUpdate, u.Kind)
		}
		if strings.TrimSpace(u.Key) == "" {
			return nil, fmt.Errorf("%w: empty key in %s", ErrInvalidUpdate, u.Kind)
		}
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	next := *r.cur.Load()
	for _, u := range updates {
		kind, _ := ParseKind(string(u.Kind))
		key := strings.TrimSpace(u.Key)
		value := strings.TrimSpace(u.Value)

		m := next.Get(kind)
		if value == "" {
			m = m.without(key)
		} else {
			m = m.with(key, value)
		}
		next.set(kind, m)
	}

	r.cur.Store(&next)
	return &next, nil
}
