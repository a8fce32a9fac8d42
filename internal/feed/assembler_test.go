package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icsuntis/internal/cache"
	"icsuntis/internal/ics"
	"icsuntis/internal/metrics"
	"icsuntis/internal/model"
	"icsuntis/internal/timetable"
	"icsuntis/internal/webuntis"
)

type fakeSource struct {
	mu      sync.Mutex
	lessons []model.RawLesson
	err     error
	block   chan struct{}
	started chan struct{}
	calls   atomic.Int32
	from    time.Time
	to      time.Time
}

func (f *fakeSource) Timetable(ctx context.Context, _ webuntis.Credentials, from, to time.Time) ([]model.RawLesson, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.from, f.to = from, to
	lessons, err, block, started := f.lessons, f.err, f.block, f.started
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}
	return lessons, err
}

type failingEncoder struct{}

func (failingEncoder) Encode([]model.Event, time.Time) ([]byte, error) {
	return nil, fmt.Errorf("event 0: %w", ics.ErrInvalidEvent)
}

type memStore struct {
	saved atomic.Int32
}

func (m *memStore) SaveRemap(*timetable.Tables) error {
	m.saved.Add(1)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var testCreds = webuntis.Credentials{Server: "demo.webuntis.com", School: "demo", Username: "student", Password: "pw"}

func lesson(start, end int, subject string) model.RawLesson {
	return model.RawLesson{
		Date:      20240315,
		StartTime: start,
		EndTime:   end,
		Subjects:  []model.Element{{Name: subject}},
		Rooms:     []model.Element{{Name: "Room 1"}},
		Teachers:  []model.Element{{Name: "A", LongName: "A"}},
	}
}

type fixture struct {
	src     *fakeSource
	clk     *clock
	cache   *cache.Calendar
	remap   *timetable.RemapTable
	store   *memStore
	metrics *metrics.Manager
	asm     *Assembler
}

func newFixture(t *testing.T, lessons ...model.RawLesson) *fixture {
	t.Helper()

	resolver, err := timetable.NewResolver("Europe/Berlin")
	require.NoError(t, err)

	f := &fixture{
		src:     &fakeSource{lessons: lessons},
		clk:     &clock{now: time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)},
		remap:   timetable.NewRemapTable(timetable.NewTables(map[string]string{"mat_GK_11": "Mathematik GK"}, nil, nil)),
		store:   &memStore{},
		metrics: metrics.New(),
	}
	f.cache = cache.New(10*time.Minute, cache.WithClock(f.clk.Now))
	f.asm = New(f.src, ics.NewEncoder("Europe/Berlin"), f.cache, f.remap, resolver,
		WithClock(f.clk.Now),
		WithRemapStore(f.store),
		WithMetrics(f.metrics),
	)
	return f
}

func decode(t *testing.T, body []byte) []ics.DecodedEvent {
	t.Helper()
	events, err := ics.Decode(body)
	require.NoError(t, err)
	return events
}

func TestCalendar_MissingCredentials(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.asm.Calendar(context.Background(), webuntis.Credentials{Server: "x"})

	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindConfiguration, fe.Kind)
	assert.Equal(t, http.StatusBadRequest, fe.Status)
	assert.Contains(t, fe.Message, "school, username, password")
	assert.Equal(t, int32(0), f.src.calls.Load())
}

func TestCalendar_TransformsAndMerges(t *testing.T) {
	t.Parallel()

	cancelled := lesson(1015, 1100, "bio")
	cancelled.Code = model.StatusCancelled
	broken := lesson(1200, 1100, "art")

	f := newFixture(t,
		lesson(845, 930, "Math"),
		lesson(930, 1015, "Math"),
		cancelled,
		broken,
		lesson(800, 845, "mat_GK_11"),
	)

	res, err := f.asm.Calendar(context.Background(), testCreds)
	require.NoError(t, err)
	assert.False(t, res.FromCache)

	events := decode(t, res.Body)
	require.Len(t, events, 2)

	assert.Equal(t, "Mathematik GK", events[0].Summary)
	assert.Equal(t, time.Date(2024, 3, 15, 7, 0, 0, 0, time.UTC), events[0].Start)
	assert.Equal(t, time.Date(2024, 3, 15, 7, 45, 0, 0, time.UTC), events[0].End)

	assert.Equal(t, "Math", events[1].Summary)
	assert.Equal(t, "Room 1", events[1].Location)
	assert.Equal(t, "Teacher: A", events[1].Description)
	assert.Equal(t, time.Date(2024, 3, 15, 7, 45, 0, 0, time.UTC), events[1].Start)
	assert.Equal(t, time.Date(2024, 3, 15, 9, 15, 0, 0, time.UTC), events[1].End)

	assert.NotContains(t, string(res.Body), "bio")
}

func TestCalendar_RequestedRange(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.asm.Calendar(context.Background(), testCreds)
	require.NoError(t, err)

	f.src.mu.Lock()
	defer f.src.mu.Unlock()
	assert.Equal(t, "2024-01-14", f.src.from.Format("2006-01-02"))
	assert.Equal(t, "2024-05-14", f.src.to.Format("2006-01-02"))
}

func TestCalendar_EmptyTimetableIsNotAnError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res, err := f.asm.Calendar(context.Background(), testCreds)
	require.NoError(t, err)
	assert.Contains(t, string(res.Body), "BEGIN:VCALENDAR")
	assert.Empty(t, decode(t, res.Body))
}

func TestCalendar_CacheHitWithinTTL(t *testing.T) {
	t.Parallel()

	f := newFixture(t, lesson(800, 845, "Math"))
	first, err := f.asm.Calendar(context.Background(), testCreds)
	require.NoError(t, err)

	f.clk.Advance(5 * time.Minute)
	second, err := f.asm.Calendar(context.Background(), testCreds)
	require.NoError(t, err)

	assert.True(t, second.FromCache)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, int32(1), f.src.calls.Load())
}

func TestCalendar_CacheIsPerCredentials(t *testing.T) {
	t.Parallel()

	f := newFixture(t, lesson(800, 845, "Math"))
	_, err := f.asm.Calendar(context.Background(), testCreds)
	require.NoError(t, err)

	other := testCreds
	other.Password = "guess"
	res, err := f.asm.Calendar(context.Background(), other)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, int32(2), f.src.calls.Load())
}

func TestCalendar_RegeneratesAfterTTL(t *testing.T) {
	t.Parallel()

	f := newFixture(t, lesson(800, 845, "Math"))
	_, err := f.asm.Calendar(context.Background(), testCreds)
	require.NoError(t, err)

	f.clk.Advance(10 * time.Minute)
	res, err := f.asm.Calendar(context.Background(), testCreds)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, int32(2), f.src.calls.Load())
}

func TestCalendar_RemapUpdateInvalidates(t *testing.T) {
	t.Parallel()

	f := newFixture(t, lesson(800, 845, "eng_LK_5"))
	res, err := f.asm.Calendar(context.Background(), testCreds)
	require.NoError(t, err)
	assert.Equal(t, "eng_LK_5", decode(t, res.Body)[0].Summary)

	_, err = f.asm.UpdateRemap(timetable.Update{Kind: timetable.KindSubject, Key: "eng_LK_5", Value: "Englisch LK"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.store.saved.Load())

	res, err = f.asm.Calendar(context.Background(), testCreds)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, "Englisch LK", decode(t, res.Body)[0].Summary)
	assert.Equal(t, int32(2), f.src.calls.Load())
}

func TestCalendar_InvalidRemapUpdateKeepsCache(t *testing.T) {
	t.Parallel()

	f := newFixture(t, lesson(800, 845, "Math"))
	_, err := f.asm.Calendar(context.Background(), testCreds)
	require.NoError(t, err)

	_, err = f.asm.UpdateRemap(timetable.Update{Kind: "lunch", Key: "x", Value: "y"})
	assert.ErrorIs(t, err, timetable.ErrInvalidUpdate)

	res, err := f.asm.Calendar(context.Background(), testCreds)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, int32(0), f.store.saved.Load())
}

func TestCalendar_StaleGenerationIsNotCached(t *testing.T) {
	t.Parallel()

	f := newFixture(t, lesson(800, 845, "eng_LK_5"))
	f.src.block = make(chan struct{})
	f.src.started = make(chan struct{}, 1)
	release := f.src.block

	done := make(chan *Result, 1)
	go func() {
		res, err := f.asm.Calendar(context.Background(), testCreds)
		assert.NoError(t, err)
		done <- res
	}()

	<-f.src.started
	_, err := f.asm.UpdateRemap(timetable.Update{Kind: timetable.KindSubject, Key: "eng_LK_5", Value: "Englisch LK"})
	require.NoError(t, err)

	f.src.mu.Lock()
	f.src.block = nil
	f.src.started = nil
	f.src.mu.Unlock()
	// the in-flight fetch still uses the old snapshot
	close(release)

	stale := <-done
	assert.Equal(t, "eng_LK_5", decode(t, stale.Body)[0].Summary)

	res, err := f.asm.Calendar(context.Background(), testCreds)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, "Englisch LK", decode(t, res.Body)[0].Summary)
}

func TestCalendar_RequestAfterRemapUpdateGetsNewTable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, lesson(800, 845, "eng_LK_5"))
	f.src.block = make(chan struct{})
	f.src.started = make(chan struct{}, 2)
	release := f.src.block
	started := f.src.started

	type outcome struct {
		res *Result
		err error
	}
	request := func() <-chan outcome {
		ch := make(chan outcome, 1)
		go func() {
			res, err := f.asm.Calendar(context.Background(), testCreds)
			ch <- outcome{res, err}
		}()
		return ch
	}

	before := request()
	<-started

	_, err := f.asm.UpdateRemap(timetable.Update{Kind: timetable.KindSubject, Key: "eng_LK_5", Value: "Englisch LK"})
	require.NoError(t, err)

	after := request()
	// a second fetch starts instead of joining the one already running
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("request after the remap update joined the earlier generation")
	}
	close(release)

	old := <-before
	require.NoError(t, old.err)
	assert.Equal(t, "eng_LK_5", decode(t, old.res.Body)[0].Summary)

	cur := <-after
	require.NoError(t, cur.err)
	assert.False(t, cur.res.Shared)
	assert.Equal(t, "Englisch LK", decode(t, cur.res.Body)[0].Summary)
	assert.Equal(t, int32(2), f.src.calls.Load())

	cached, err := f.asm.Calendar(context.Background(), testCreds)
	require.NoError(t, err)
	assert.True(t, cached.FromCache)
	assert.Equal(t, "Englisch LK", decode(t, cached.Body)[0].Summary)
}

func TestCalendar_AbandonedRequestIsNotAFetchError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, lesson(800, 845, "Math"))
	f.src.block = make(chan struct{})
	f.src.started = make(chan struct{}, 1)
	release := f.src.block
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-f.src.started
		cancel()
	}()

	_, err := f.asm.Calendar(ctx, testCreds)
	require.ErrorIs(t, err, context.Canceled)

	expected := `
# HELP icsuntis_feed_requests_total Calendar feed requests by result.
# TYPE icsuntis_feed_requests_total counter
icsuntis_feed_requests_total{result="abandoned"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "icsuntis_feed_requests_total"))
}

func TestCalendar_ConcurrentMissesShareOneFetch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, lesson(800, 845, "Math"))
	f.src.block = make(chan struct{})
	f.src.started = make(chan struct{}, 1)
	release := f.src.block

	const n = 6
	var wg sync.WaitGroup
	bodies := make([][]byte, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.asm.Calendar(context.Background(), testCreds)
			assert.NoError(t, err)
			if res != nil {
				bodies[i] = res.Body
			}
		}(i)
	}

	<-f.src.started
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), f.src.calls.Load())
	for _, b := range bodies[1:] {
		assert.Equal(t, bodies[0], b)
	}
}

func TestCalendar_UpstreamFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"auth", fmt.Errorf("%w: bad credentials (code -8504)", webuntis.ErrAuth), KindUpstreamAuth},
		{"fetch", fmt.Errorf("%w: getTimetable: 502 Bad Gateway", webuntis.ErrUpstream), KindUpstreamFetch},
		{"unknown", errors.New("dial tcp: connection refused"), KindUpstreamFetch},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.src.err = tc.err

			_, err := f.asm.Calendar(context.Background(), testCreds)
			var fe *Error
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tc.kind, fe.Kind)
			assert.Equal(t, http.StatusInternalServerError, fe.Status)
			assert.ErrorIs(t, err, tc.err)
			// detail stays out of the client-facing message
			assert.False(t, strings.Contains(fe.Message, "8504") || strings.Contains(fe.Message, "502"))

			_, ok := f.cache.Get(Fingerprint(testCreds))
			assert.False(t, ok)
		})
	}
}

func TestCalendar_EncodeFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, lesson(800, 845, "Math"))
	resolver, _ := timetable.NewResolver("")
	asm := New(f.src, failingEncoder{}, f.cache, f.remap, resolver)

	_, err := asm.Calendar(context.Background(), testCreds)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindEncode, fe.Kind)
	assert.ErrorIs(t, err, ics.ErrInvalidEvent)
}

func TestRefresh_BypassesCache(t *testing.T) {
	t.Parallel()

	f := newFixture(t, lesson(800, 845, "Math"))
	require.NoError(t, f.asm.Refresh(context.Background(), testCreds))
	require.NoError(t, f.asm.Refresh(context.Background(), testCreds))
	assert.Equal(t, int32(2), f.src.calls.Load())

	res, err := f.asm.Calendar(context.Background(), testCreds)
	require.NoError(t, err)
	assert.True(t, res.FromCache)

	_, ok := f.asm.LastGenerated()
	assert.True(t, ok)
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	a := Fingerprint(testCreds)
	b := testCreds
	b.Server = " DEMO.webuntis.com "
	assert.Equal(t, a, Fingerprint(b))

	c := testCreds
	c.Username = "teacher"
	assert.NotEqual(t, a, Fingerprint(c))
	assert.NotContains(t, a, testCreds.Password)
}
