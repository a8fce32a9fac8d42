package webuntis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	appLog "icsuntis/internal/log"
	"icsuntis/internal/model"
)

const (
	DefaultClientName = "icsuntis"
	defaultTimeout    = 15 * time.Second
	jsonrpcPath       = "/WebUntis/jsonrpc.do"
)

var (
	// ErrAuth means WebUntis rejected the credentials.
	ErrAuth = errors.New("webuntis: authentication failed")
	// ErrUpstream covers transport failures and JSON-RPC errors after login.
	ErrUpstream = errors.New("webuntis: upstream request failed")
)

// Credentials identify one WebUntis account. Server is the host name
// (e.g. "neilo.webuntis.com"); a scheme may be given for non-HTTPS setups.
type Credentials struct {
	Server   string
	School   string
	Username string
	Password string
}

// Missing lists the names of empty fields.
func (c Credentials) Missing() []string {
	var out []string
	if strings.TrimSpace(c.Server) == "" {
		out = append(out, "server")
	}
	if strings.TrimSpace(c.School) == "" {
		out = append(out, "school")
	}
	if strings.TrimSpace(c.Username) == "" {
		out = append(out, "username")
	}
	if c.Password == "" {
		out = append(out, "password")
	}
	return out
}

// Client talks to the WebUntis JSON-RPC API.
type Client struct {
	http *http.Client
	name string
	seq  atomic.Uint64
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default 15s-timeout client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithClientName sets the "client" field sent on login.
func WithClientName(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.name = name
		}
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		http: &http.Client{Timeout: defaultTimeout},
		name: DefaultClientName,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// session is an authenticated WebUntis login.
type session struct {
	endpoint   string
	school     string
	id         string
	personType int
	personID   int
}

// Timetable logs in, fetches the account's own timetable for the inclusive
// day range [from, to] and logs out again.
func (c *Client) Timetable(ctx context.Context, creds Credentials, from, to time.Time) ([]model.RawLesson, error) {
	s, err := c.authenticate(ctx, creds)
	if err != nil {
		return nil, err
	}
	defer c.logout(s)

	lessons, err := c.ownTimetable(ctx, s, from, to)
	if err != nil {
		return nil, err
	}

	appLog.Info("webuntis timetable fetched",
		"server", hostOnly(creds.Server),
		"school", creds.School,
		"from", from.Format("2006-01-02"),
		"to", to.Format("2006-01-02"),
		"lessons", len(lessons),
	)
	return lessons, nil
}

func (c *Client) authenticate(ctx context.Context, creds Credentials) (*session, error) {
	endpoint, err := endpointURL(creds.Server, creds.School)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	params := map[string]string{
		"user":     creds.Username,
		"password": creds.Password,
		"client":   c.name,
	}

	var res authResult
	s := &session{endpoint: endpoint, school: creds.School}
	if err := c.call(ctx, s, "authenticate", params, &res); err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			return nil, fmt.Errorf("%w: %s (code %d)", ErrAuth, rpcErr.Message, rpcErr.Code)
		}
		return nil, err
	}
	if res.SessionID == "" {
		return nil, fmt.Errorf("%w: no session returned", ErrAuth)
	}

	s.id = res.SessionID
	s.personType = res.PersonType
	s.personID = res.PersonID
	appLog.Debug("webuntis authenticated", "school", creds.School, "person_type", s.personType)
	return s, nil
}

func (c *Client) ownTimetable(ctx context.Context, s *session, from, to time.Time) ([]model.RawLesson, error) {
	params := timetableParams{Options: timetableOptions{
		Element:       element{ID: s.personID, Type: s.personType},
		StartDate:     dateNumber(from),
		EndDate:       dateNumber(to),
		ShowInfo:      true,
		ShowSubstText: true,
		ShowLsText:    true,
		KlasseFields:  elementFields,
		RoomFields:    elementFields,
		SubjectFields: elementFields,
		TeacherFields: elementFields,
	}}

	var periods []period
	if err := c.call(ctx, s, "getTimetable", params, &periods); err != nil {
		return nil, err
	}

	lessons := make([]model.RawLesson, 0, len(periods))
	for _, p := range periods {
		lessons = append(lessons, p.lesson())
	}
	return lessons, nil
}

// logout is best effort; the session expires server-side anyway.
func (c *Client) logout(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.call(ctx, s, "logout", struct{}{}, nil); err != nil {
		appLog.Debug("webuntis logout failed", "err", err)
	}
}

func (c *Client) call(ctx context.Context, s *session, method string, params, out any) error {
	body, err := json.Marshal(rpcRequest{
		ID:      strconv.FormatUint(c.seq.Add(1), 10),
		Method:  method,
		Params:  params,
		JSONRPC: "2.0",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.AddCookie(&http.Cookie{Name: "schoolname", Value: schoolCookie(s.school)})
	if s.id != "" {
		req.AddCookie(&http.Cookie{Name: "JSESSIONID", Value: s.id})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUpstream, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: %s: %s", ErrUpstream, method, resp.Status)
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", ErrUpstream, method, err)
	}
	if rr.Error != nil {
		if method == "authenticate" {
			return rr.Error
		}
		return fmt.Errorf("%w: %s: %w", ErrUpstream, method, rr.Error)
	}
	if out == nil || len(rr.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("%w: %s: decode result: %v", ErrUpstream, method, err)
	}
	return nil
}

// endpointURL builds the JSON-RPC URL. Bare host names default to HTTPS.
func endpointURL(server, school string) (string, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return "", errors.New("empty server")
	}
	if !strings.Contains(server, "://") {
		server = "https://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server %q", server)
	}
	u.Path = jsonrpcPath
	u.RawQuery = url.Values{"school": {school}}.Encode()
	return u.String(), nil
}

func schoolCookie(school string) string {
	return "_" + base64.StdEncoding.EncodeToString([]byte(school))
}

func dateNumber(t time.Time) int {
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// hostOnly strips scheme and path for logging.
func hostOnly(server string) string {
	if i := strings.Index(server, "://"); i >= 0 {
		server = server[i+3:]
	}
	if i := strings.IndexByte(server, '/'); i >= 0 {
		server = server[:i]
	}
	return server
}
