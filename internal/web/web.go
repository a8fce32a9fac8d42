package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"icsuntis/internal/config"
	"icsuntis/internal/feed"
	appLog "icsuntis/internal/log"
	"icsuntis/internal/metrics"
	"icsuntis/internal/timetable"
	"icsuntis/internal/webuntis"
)

const (
	calendarContentType = "text/calendar; charset=utf-8"
	calendarFilename    = "timetable.ics"
	maxFormBytes        = 1 << 20

	// statusClientClosedRequest is nginx's code for a client that went away
	// before the response was ready.
	statusClientClosedRequest = 499
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// Calendars is the feed pipeline as seen by the HTTP layer.
type Calendars interface {
	Calendar(ctx context.Context, creds webuntis.Credentials) (*feed.Result, error)
	Remap() *timetable.Tables
	UpdateRemap(updates ...timetable.Update) (*timetable.Tables, error)
	LastGenerated() (time.Time, bool)
}

// Server serves the calendar feed, the info page and the remap editor.
type Server struct {
	cfg       *config.Config
	calendars Calendars
	metrics   *metrics.Manager
	mux       *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, calendars Calendars, m *metrics.Manager) *Server {
	if m == nil {
		m = metrics.New()
	}
	s := &Server{
		cfg:       cfg,
		calendars: calendars,
		metrics:   m,
		mux:       http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the root http.Handler with access logging applied.
func (s *Server) Handler() http.Handler {
	return accessLog(s.metrics, s.mux)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", s.metrics.Handler())
	s.mux.HandleFunc("GET /calendar.ics", s.handleCalendar)
	s.mux.HandleFunc("GET /{$}", s.handleIndex)

	remap := http.NewServeMux()
	remap.HandleFunc("GET /remap", s.handleRemapGet)
	remap.HandleFunc("POST /remap", s.handleRemapPost)
	if s.cfg.AdminAuthEnabled() {
		appLog.Info("HTTP basic auth enabled for /remap")
		s.mux.Handle("/remap", s.basicAuthMiddleware(remap))
	} else {
		appLog.Warn("remap editor is not protected; set admin_username and admin_password to require basic auth")
		s.mux.Handle("/remap", remap)
	}
}

// basicAuthMiddleware guards next with the configured admin credentials.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.AdminUsername
	password := s.cfg.AdminPassword

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="icsuntis", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleCalendar serves the iCalendar feed.
//
// GET /calendar.ics?server=&school=&username=&password=
//
// Each query parameter overrides the configured default for that field.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	creds := s.credentials(r)

	res, err := s.calendars.Calendar(r.Context(), creds)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			appLog.Debug("calendar request abandoned by client", "school", creds.School)
			w.WriteHeader(statusClientClosedRequest)
			return
		}
		fe := feed.AsError(err)
		appLog.Error("calendar request failed", err, "kind", fe.Kind.String(), "status", fe.Status, "school", creds.School)
		http.Error(w, fe.Message, fe.Status)
		return
	}

	h := w.Header()
	h.Set("Content-Type", calendarContentType)
	h.Set("Content-Disposition", `attachment; filename="`+calendarFilename+`"`)
	if res.FromCache {
		h.Set("X-Cache", "HIT")
	} else {
		h.Set("X-Cache", "MISS")
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Body); err != nil {
		appLog.Debug("failed to write calendar", "err", err)
	}
}

func (s *Server) credentials(r *http.Request) webuntis.Credentials {
	creds := s.cfg.Credentials()
	q := r.URL.Query()
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			*dst = v
		}
	}
	override(&creds.Server, "server")
	override(&creds.School, "school")
	override(&creds.Username, "username")
	if v := q.Get("password"); v != "" {
		creds.Password = v
	}
	return creds
}

type indexPage struct {
	CalendarURL   string
	Configured    bool
	Server        string
	School        string
	LastGenerated time.Time
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	page := indexPage{
		CalendarURL: baseURL(r) + "/calendar.ics",
		Configured:  len(s.cfg.Credentials().Missing()) == 0,
		Server:      s.cfg.WebUntisServer,
		School:      s.cfg.WebUntisSchool,
	}
	if t, ok := s.calendars.LastGenerated(); ok {
		page.LastGenerated = t
	}
	render(w, "index.html", page)
}

// baseURL rebuilds the public origin, honoring a TLS-terminating proxy.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p == "https" || p == "http" {
		scheme = p
	}
	host := r.Host
	if fh := r.Header.Get("X-Forwarded-Host"); fh != "" {
		host = fh
	}
	return scheme + "://" + host
}

type remapSection struct {
	Kind    timetable.Kind
	Title   string
	Entries []timetable.Entry
}

type remapPage struct {
	Sections []remapSection
}

var sectionTitles = map[timetable.Kind]string{
	timetable.KindSubject: "Fächer",
	timetable.KindRoom:    "Räume",
	timetable.KindTeacher: "Lehrkräfte",
}

func (s *Server) handleRemapGet(w http.ResponseWriter, _ *http.Request) {
	tables := s.calendars.Remap()
	page := remapPage{}
	for _, k := range timetable.Kinds {
		page.Sections = append(page.Sections, remapSection{
			Kind:    k,
			Title:   sectionTitles[k],
			Entries: tables.Get(k).Entries(),
		})
	}
	render(w, "remap.html", page)
}

// handleRemapPost applies the submitted rows as one update.
//
// The form carries parallel kind/key/value lists. Rows with an empty key
// are ignored, an empty value deletes the key, and rows that match the
// current table are skipped.
func (s *Server) handleRemapPost(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	updates, err := formUpdates(r.PostForm, s.calendars.Remap())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if len(updates) > 0 {
		if _, err := s.calendars.UpdateRemap(updates...); err != nil {
			if errors.Is(err, timetable.ErrInvalidUpdate) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			appLog.Error("remap update failed", err)
			http.Error(w, "failed to update remap tables", http.StatusInternalServerError)
			return
		}
	}

	http.Redirect(w, r, "/remap", http.StatusSeeOther)
}

func formUpdates(form map[string][]string, current *timetable.Tables) ([]timetable.Update, error) {
	kinds, keys, values := form["kind"], form["key"], form["value"]
	if len(kinds) != len(keys) || len(keys) != len(values) {
		return nil, errors.New("form rows are incomplete")
	}

	updates := make([]timetable.Update, 0, len(keys))
	for i := range keys {
		key := strings.TrimSpace(keys[i])
		if key == "" {
			continue
		}
		kind, ok := timetable.ParseKind(kinds[i])
		if !ok {
			return nil, fmt.Errorf("%w: unknown table %q", timetable.ErrInvalidUpdate, kinds[i])
		}
		value := strings.TrimSpace(values[i])
		existing, found := current.Get(kind).Lookup(key)
		if (found && existing == value) || (!found && value == "") {
			continue
		}
		updates = append(updates, timetable.Update{Kind: kind, Key: key, Value: value})
	}
	return updates, nil
}

func render(w http.ResponseWriter, name string, data any) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		appLog.Error("failed to render page", err, "template", name)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
