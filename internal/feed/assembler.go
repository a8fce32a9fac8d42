// Package feed turns a WebUntis timetable into a cached iCalendar payload.
//
// A request moves through CacheCheck -> Authenticate -> Fetch -> Transform ->
// Encode -> Serve, or CacheCheck -> Serve on a cache hit. Any failure ends in
// Failed and is returned as an *Error.
package feed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"icsuntis/internal/cache"
	appLog "icsuntis/internal/log"
	"icsuntis/internal/metrics"
	"icsuntis/internal/model"
	"icsuntis/internal/timetable"
	"icsuntis/internal/webuntis"
)

// State names a pipeline stage; used for logging.
type State string

const (
	StateCacheCheck   State = "cache_check"
	StateAuthenticate State = "authenticate"
	StateFetch        State = "fetch"
	StateTransform    State = "transform"
	StateEncode       State = "encode"
	StateServe        State = "serve"
	StateFailed       State = "failed"
)

const (
	defaultPastMonths   = 2
	defaultFutureMonths = 2
	generateTimeout     = 60 * time.Second
)

// Source fetches raw lessons for the inclusive day range [from, to].
type Source interface {
	Timetable(ctx context.Context, creds webuntis.Credentials, from, to time.Time) ([]model.RawLesson, error)
}

// Encoder serializes events into a calendar file.
type Encoder interface {
	Encode(events []model.Event, stamp time.Time) ([]byte, error)
}

// RemapStore persists remap tables after an update.
type RemapStore interface {
	SaveRemap(t *timetable.Tables) error
}

// Result is a served calendar.
type Result struct {
	Body      []byte
	FromCache bool
	// Shared is set when the body came from another request's generation.
	Shared bool
}

// Assembler owns the pipeline and the shared state it needs: the calendar
// cache and the remap table.
type Assembler struct {
	source     Source
	encoder    Encoder
	cache      *cache.Calendar
	remap      *timetable.RemapTable
	resolver   *timetable.Resolver
	normalizer *timetable.Normalizer

	metrics      *metrics.Manager
	store        RemapStore
	pastMonths   int
	futureMonths int
	now          func() time.Time
}

// Option customizes an Assembler.
type Option func(*Assembler)

func WithMetrics(m *metrics.Manager) Option {
	return func(a *Assembler) { a.metrics = m }
}

func WithRemapStore(s RemapStore) Option {
	return func(a *Assembler) { a.store = s }
}

// WithRange sets how many months before and after today are fetched.
func WithRange(pastMonths, futureMonths int) Option {
	return func(a *Assembler) {
		if pastMonths >= 0 {
			a.pastMonths = pastMonths
		}
		if futureMonths >= 0 {
			a.futureMonths = futureMonths
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

func New(source Source, encoder Encoder, c *cache.Calendar, remap *timetable.RemapTable, resolver *timetable.Resolver, opts ...Option) *Assembler {
	a := &Assembler{
		source:       source,
		encoder:      encoder,
		cache:        c,
		remap:        remap,
		resolver:     resolver,
		normalizer:   timetable.NewNormalizer(resolver),
		pastMonths:   defaultPastMonths,
		futureMonths: defaultFutureMonths,
		now:          time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = metrics.New()
	}
	return a
}

// Calendar serves the calendar for creds, from cache when possible.
func (a *Assembler) Calendar(ctx context.Context, creds webuntis.Credentials) (*Result, error) {
	if missing := creds.Missing(); len(missing) > 0 {
		a.metrics.FeedRequest(metrics.ResultConfigError)
		return nil, missingCredentials(missing)
	}

	identity := Fingerprint(creds)
	if body, ok := a.cache.Get(identity); ok {
		a.metrics.CacheLookup(true)
		a.metrics.FeedRequest(metrics.ResultHit)
		appLog.Debug("feed state", "state", StateServe, "from_cache", true)
		return &Result{Body: body, FromCache: true}, nil
	}
	a.metrics.CacheLookup(false)

	return a.generateShared(ctx, creds, identity)
}

// Refresh regenerates the calendar for creds regardless of cache state.
func (a *Assembler) Refresh(ctx context.Context, creds webuntis.Credentials) error {
	if missing := creds.Missing(); len(missing) > 0 {
		return missingCredentials(missing)
	}
	_, err := a.generateShared(ctx, creds, Fingerprint(creds))
	return err
}

func (a *Assembler) generateShared(ctx context.Context, creds webuntis.Credentials, identity string) (*Result, error) {
	// Keys the shared run and fences its Put; read before the remap snapshot.
	gen := a.cache.Generation()
	body, shared, err := a.cache.Do(ctx, identity, gen, func() ([]byte, error) {
		// The generation outlives any single waiting request.
		genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), generateTimeout)
		defer cancel()
		return a.generate(genCtx, creds, identity, gen)
	})
	if err != nil {
		fe := AsError(err)
		result := resultFor(fe.Kind)
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			result = metrics.ResultAbandoned
		}
		a.metrics.FeedRequest(result)
		return nil, fe
	}

	a.metrics.FeedRequest(metrics.ResultGenerated)
	return &Result{Body: body, Shared: shared}, nil
}

func (a *Assembler) generate(ctx context.Context, creds webuntis.Credentials, identity string, gen uint64) ([]byte, error) {
	remap := a.remap.Snapshot()

	now := a.now()
	today := a.resolver.Today(now)
	from := today.AddDate(0, -a.pastMonths, 0)
	to := today.AddDate(0, a.futureMonths, 0)

	appLog.Debug("feed state", "state", StateAuthenticate, "school", creds.School)
	started := time.Now()
	lessons, err := a.source.Timetable(ctx, creds, from, to)
	a.metrics.UpstreamFetch(time.Since(started))
	if err != nil {
		appLog.Error("feed state", err, "state", StateFailed, "stage", StateFetch, "school", creds.School)
		if errors.Is(err, webuntis.ErrAuth) {
			return nil, upstreamAuth(err)
		}
		return nil, upstreamFetch(err)
	}

	appLog.Debug("feed state", "state", StateTransform, "lessons", len(lessons))
	if len(lessons) == 0 {
		appLog.Info("no lessons in range", "from", from.Format("2006-01-02"), "to", to.Format("2006-01-02"))
	}
	events, skipped := a.transform(lessons, remap)

	appLog.Debug("feed state", "state", StateEncode, "events", len(events))
	body, err := a.encoder.Encode(events, now)
	if err != nil {
		appLog.Error("feed state", err, "state", StateFailed, "stage", StateEncode, "events", len(events))
		return nil, encodeFailed(err)
	}

	if !a.cache.Put(identity, gen, body) {
		appLog.Info("remap changed during generation; result not cached")
	}
	a.metrics.Generated(len(lessons), len(events), skipped)
	appLog.Info("calendar generated",
		"lessons", len(lessons),
		"events", len(events),
		"skipped", skipped,
		"bytes", len(body),
	)
	return body, nil
}

// transform normalizes, orders and merges lessons. Malformed lessons are
// dropped and counted.
func (a *Assembler) transform(lessons []model.RawLesson, remap *timetable.Tables) ([]model.Event, int) {
	events := make([]model.Event, 0, len(lessons))
	skipped := 0
	for _, l := range lessons {
		ev, ok, err := a.normalizer.Normalize(l, remap)
		if err != nil {
			skipped++
			appLog.Warn("skipping malformed lesson", "lesson_id", l.ID, "date", l.Date, "err", err)
			continue
		}
		if !ok {
			continue
		}
		events = append(events, ev)
	}
	timetable.SortByStart(events)
	return timetable.Merge(events), skipped
}

// Remap returns the current remap snapshot.
func (a *Assembler) Remap() *timetable.Tables {
	return a.remap.Snapshot()
}

// UpdateRemap applies updates as one snapshot, invalidates the cache and
// persists the tables when a store is configured.
func (a *Assembler) UpdateRemap(updates ...timetable.Update) (*timetable.Tables, error) {
	tables, err := a.remap.Apply(updates...)
	if err != nil {
		return nil, err
	}
	a.cache.Invalidate()
	a.metrics.RemapUpdated(len(updates))
	appLog.Info("remap tables updated", "updates", len(updates))

	if a.store != nil {
		if err := a.store.SaveRemap(tables); err != nil {
			appLog.Error("failed to persist remap tables", err)
		}
	}
	return tables, nil
}

// LastGenerated reports when the cached calendar was produced.
func (a *Assembler) LastGenerated() (time.Time, bool) {
	return a.cache.UpdatedAt()
}

// Fingerprint identifies the account a calendar belongs to without keeping
// the password in memory.
func Fingerprint(c webuntis.Credentials) string {
	h := sha256.New()
	for _, part := range []string{strings.ToLower(strings.TrimSpace(c.Server)), strings.TrimSpace(c.School), strings.TrimSpace(c.Username), c.Password} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func resultFor(k Kind) string {
	switch k {
	case KindConfiguration:
		return metrics.ResultConfigError
	case KindUpstreamAuth:
		return metrics.ResultAuthError
	case KindEncode:
		return metrics.ResultEncodeError
	default:
		return metrics.ResultFetchError
	}
}
