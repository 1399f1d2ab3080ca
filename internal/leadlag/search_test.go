package leadlag

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"leadlag-go/internal/bars"
)

type mapSource map[string][]bars.Bar

func (m mapSource) GetBars(symbol string, n int, _ string) []bars.Bar {
	s := m[symbol]
	if n < len(s) {
		s = s[len(s)-n:]
	}
	return s
}

// pulses returns n flat returns with a ±2% spike on every fifth return, stopping after limit spikes.
func pulses(n, limit int) []float64 {
	out := make([]float64, n)
	spikes := 0
	for i := range out {
		if i%5 != 4 || spikes == limit {
			continue
		}
		out[i] = 0.02
		if spikes%2 == 1 {
			out[i] = -0.02
		}
		spikes++
	}
	return out
}

// echoOf delays returns by one bar, keeping only the first keep of them.
func echoOf(lead []float64, keep int) []float64 {
	out := make([]float64, 0, len(lead)+1)
	out = append(out, 0)
	return append(out, lead[:keep]...)
}

func fixedClock() time.Time { return time.UnixMilli(60_000) }

func searchParams() SearchParams {
	p := DefaultSearchParams()
	p.PoolSize = 10
	p.WindowBars = 400
	return p
}

func startManual(t *testing.T, src BarSource, symbols ...string) *Search {
	t.Helper()
	s := NewSearch(StaticUniverse(symbols), src, zerolog.Nop(), WithManualSteps(), WithClock(fixedClock))
	if res := s.Start(context.Background(), searchParams()); !res.OK {
		t.Fatalf("start failed: %s", res.Reason)
	}
	return s
}

func runSteps(s *Search, n int) {
	for i := 0; i < n; i++ {
		s.Step()
	}
}

func pairRow(t *testing.T, s *Search, leader, follower string) PairRow {
	t.Helper()
	page := s.CombosPage(PageQuery{PageSize: maxPageSize})
	for _, r := range page.Rows {
		if r.Leader == leader && r.Follower == follower {
			return r
		}
	}
	t.Fatalf("pair %s->%s not in table", leader, follower)
	return PairRow{}
}

func trioSource() mapSource {
	lead := pulses(200, -1)
	late := make([]float64, 200)
	copy(late[100:], lead[100:])
	return mapSource{
		"LEAD": pricePath("LEAD", lead),
		"ECHO": pricePath("ECHO", echoOf(lead, len(lead))),
		"LATE": pricePath("LATE", echoOf(late, len(late))),
	}
}

func TestSearchStartValidation(t *testing.T) {
	src := mapSource{}
	cases := []struct {
		name    string
		symbols []string
		mutate  func(*SearchParams)
		reason  string
	}{
		{"pool too small", []string{"A", "B"}, func(p *SearchParams) { p.PoolSize = 9 }, ReasonPoolSizeOutOfRange},
		{"pool too large", []string{"A", "B"}, func(p *SearchParams) { p.PoolSize = 201 }, ReasonPoolSizeOutOfRange},
		{"single symbol", []string{"A"}, nil, ReasonInsufficientSymbols},
		{"duplicates collapse", []string{"aaa", "AAA", " a-a-a "}, nil, ReasonInsufficientSymbols},
		{"unknown source", []string{"A", "B"}, func(p *SearchParams) { p.Source = "KRAKEN" }, ReasonInvalidSource},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewSearch(StaticUniverse(tc.symbols), src, zerolog.Nop(), WithManualSteps())
			p := searchParams()
			if tc.mutate != nil {
				tc.mutate(&p)
			}
			res := s.Start(context.Background(), p)
			if res.OK || res.Reason != tc.reason {
				t.Fatalf("expected %s, got %+v", tc.reason, res)
			}
			if s.State().Phase != PhaseIdle {
				t.Fatalf("rejected start must leave the search idle")
			}
		})
	}
}

func TestSearchBudgetClamp(t *testing.T) {
	if got := (SearchParams{BudgetMs: 1}).withDefaults().BudgetMs; got != minBudgetMs {
		t.Fatalf("expected budget clamped to %d, got %d", minBudgetMs, got)
	}
	if got := (SearchParams{BudgetMs: 100}).withDefaults().BudgetMs; got != maxBudgetMs {
		t.Fatalf("expected budget clamped to %d, got %d", maxBudgetMs, got)
	}
	if got := (SearchParams{}).withDefaults(); got.PoolSize != 50 || got.BudgetMs != 12 || got.LagsMs[0] != 250 {
		t.Fatalf("unexpected defaults %+v", got)
	}
}

func TestSearchAlreadyRunning(t *testing.T) {
	s := startManual(t, mapSource{}, "A", "B")
	first := s.State().SessionID
	res := s.Start(context.Background(), searchParams())
	if res.OK || res.Reason != ReasonAlreadyRunning || res.SessionID != first {
		t.Fatalf("expected already_running for %s, got %+v", first, res)
	}
}

func TestSearchEnumeratesLargePool(t *testing.T) {
	symbols := make([]string, 200)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("S%03d", i)
	}
	s := NewSearch(StaticUniverse(symbols), mapSource{}, zerolog.Nop(), WithManualSteps(), WithClock(fixedClock))
	p := searchParams()
	p.PoolSize = 200
	if res := s.Start(context.Background(), p); !res.OK {
		t.Fatalf("start failed: %s", res.Reason)
	}
	total := 200 * 199
	if st := s.State(); st.Phase != PhaseEnumerating || st.Symbols != 200 || st.TotalPairs != total || st.Processed != 0 {
		t.Fatalf("unexpected initial state %+v", st)
	}

	steps := 0
	last := 0
	for s.State().Phase == PhaseEnumerating {
		if steps == 100 {
			t.Fatalf("enumeration did not finish, state %+v", s.State())
		}
		s.Step()
		steps++
		st := s.State()
		if st.Phase != PhaseEnumerating {
			break
		}
		if st.Processed <= last || st.Processed-last > enumPerStep {
			t.Fatalf("step %d enumerated %d..%d, expected at most %d new pairs", steps, last, st.Processed, enumPerStep)
		}
		last = st.Processed
	}
	if minSteps := (total + enumPerStep - 1) / enumPerStep; steps < minSteps {
		t.Fatalf("expected at least %d steps, got %d", minSteps, steps)
	}

	st := s.State()
	if st.Phase != PhaseTracking || st.Active != total || st.Progress != 0 {
		t.Fatalf("unexpected state after enumeration %+v", st)
	}
	s.Step()
	if st := s.State(); st.Evaluations != 0 || st.Phase != PhaseTracking {
		t.Fatalf("search without bars must stay idle-tracking, got %+v", st)
	}
}

func TestSearchConfirmsEchoAndDropsLateFollower(t *testing.T) {
	s := startManual(t, trioSource(), "LEAD", "ECHO", "LATE")
	runSteps(s, 60)

	echo := pairRow(t, s, "LEAD", "ECHO")
	if echo.Status != StatusQualified || echo.Confirmations != 39 || echo.Attempts != 39 || echo.FailStreak != 0 {
		t.Fatalf("unexpected echo pair %+v", echo)
	}

	late := pairRow(t, s, "LEAD", "LATE")
	if late.Status != StatusDropped {
		t.Fatalf("expected LEAD->LATE dropped, got %+v", late)
	}
	if late.Attempts != dropAfterFails || late.FailStreak != dropAfterFails || late.Confirmations != 0 {
		t.Fatalf("dropped pair must stop accumulating samples, got %+v", late)
	}

	sl := s.Shortlist()
	if len(sl.Top) != 1 {
		t.Fatalf("expected a single shortlisted pair, got %+v", sl.Top)
	}
	top := sl.Top[0]
	if top.Rank != 1 || top.Leader != "LEAD" || top.Follower != "ECHO" || top.Loyalty != 1 || top.LagMs != 250 {
		t.Fatalf("unexpected shortlist entry %+v", top)
	}
	if top.RankScore <= 0 {
		t.Fatalf("expected positive rank score, got %v", top.RankScore)
	}

	st := s.State()
	if st.Dropped == 0 || st.Qualified != 1 || st.Evaluations == 0 || st.Phase != PhaseTracking {
		t.Fatalf("unexpected telemetry %+v", st)
	}
	if st.Processed != st.TotalPairs {
		t.Fatalf("every pair should have been probed, got %d/%d", st.Processed, st.TotalPairs)
	}
}

func TestSearchShortlistRequiresTenSamples(t *testing.T) {
	lead := pulses(40, 6)
	src := mapSource{
		"LEAD": pricePath("LEAD", lead),
		"ECHO": pricePath("ECHO", echoOf(lead, len(lead))),
	}
	s := startManual(t, src, "LEAD", "ECHO")
	runSteps(s, 20)

	row := pairRow(t, s, "LEAD", "ECHO")
	if row.Confirmations != 6 || row.Status != StatusActive {
		t.Fatalf("expected 6 confirmations on an active pair, got %+v", row)
	}
	for _, e := range s.Shortlist().Top {
		if e.Samples < eligibleSamples {
			t.Fatalf("pair with %d samples shortlisted", e.Samples)
		}
	}
	if n := len(s.Shortlist().Top); n != 0 {
		t.Fatalf("expected empty shortlist, got %d entries", n)
	}
}

func TestSearchPausesWhenFollowerGoesQuiet(t *testing.T) {
	lead := pulses(200, -1)
	src := mapSource{
		"LEAD":  pricePath("LEAD", lead),
		"SHORT": pricePath("SHORT", echoOf(lead, 59)),
	}
	s := startManual(t, src, "LEAD", "SHORT")
	runSteps(s, 60)

	row := pairRow(t, s, "LEAD", "SHORT")
	if row.Status != StatusPaused {
		t.Fatalf("expected paused pair, got %+v", row)
	}
	if row.Attempts != 11 || row.Confirmations != 11 {
		t.Fatalf("missing data must not count as a sample, got %+v", row)
	}
	if s.State().Paused == 0 {
		t.Fatalf("paused count missing from telemetry")
	}
}

func TestSearchCombosPageFilters(t *testing.T) {
	s := startManual(t, trioSource(), "LEAD", "ECHO", "LATE")
	runSteps(s, 60)

	all := s.CombosPage(PageQuery{})
	if all.TotalRows != 6 || len(all.Rows) != 6 || all.Page != 1 || all.PageSize != defaultPageSize {
		t.Fatalf("unexpected full page %+v", all)
	}

	dropped := s.CombosPage(PageQuery{Status: "dropped"})
	if dropped.TotalRows != s.State().Dropped {
		t.Fatalf("status filter mismatch: %d rows, %d dropped", dropped.TotalRows, s.State().Dropped)
	}
	for _, r := range dropped.Rows {
		if r.Status != StatusDropped {
			t.Fatalf("status filter leaked %+v", r)
		}
	}

	echo := s.CombosPage(PageQuery{Query: "ech", PageSize: 3, Page: 2})
	if echo.TotalRows != 4 || len(echo.Rows) != 1 {
		t.Fatalf("expected 4 matching rows with 1 on page 2, got %+v", echo)
	}
	if r := echo.Rows[0]; r.Leader != "ECHO" && r.Follower != "ECHO" {
		t.Fatalf("query filter leaked %+v", r)
	}

	if bad := s.CombosPage(PageQuery{Status: "GONE"}); bad.TotalRows != 0 {
		t.Fatalf("unknown status must match nothing")
	}
}

func TestSearchStopDiscardsSession(t *testing.T) {
	s := startManual(t, trioSource(), "LEAD", "ECHO", "LATE")
	first := s.State().SessionID
	runSteps(s, 60)
	if len(s.Shortlist().Top) == 0 {
		t.Fatalf("expected a populated shortlist before stop")
	}

	if res := s.Stop("test"); !res.OK {
		t.Fatalf("stop failed")
	}
	st := s.State()
	if st.Phase != PhaseIdle || st.TotalPairs != 0 || st.SessionID != "" || st.Qualified != 0 {
		t.Fatalf("stopped search reads stale state %+v", st)
	}
	if len(s.Shortlist().Top) != 0 || s.CombosPage(PageQuery{}).TotalRows != 0 {
		t.Fatalf("stopped search must read empty")
	}
	s.Step()
	if s.State().Phase != PhaseIdle {
		t.Fatalf("step after stop must be a no-op")
	}

	res := s.Start(context.Background(), searchParams())
	if !res.OK || res.SessionID == first {
		t.Fatalf("expected a fresh session, got %+v", res)
	}
}

func TestSearchBackgroundLoop(t *testing.T) {
	s := NewSearch(StaticUniverse{"LEAD", "ECHO", "LATE"}, trioSource(), zerolog.Nop(), WithClock(fixedClock))
	p := searchParams()
	p.TickIntervalMs = 2
	if res := s.Start(context.Background(), p); !res.OK {
		t.Fatalf("start failed: %s", res.Reason)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && s.State().Qualified == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if s.State().Qualified == 0 {
		t.Fatalf("background loop made no progress: %+v", s.State())
	}
	s.Stop("done")
	if s.State().Phase != PhaseIdle {
		t.Fatalf("expected idle after stop")
	}
}

func TestSearchParentContextEndsSession(t *testing.T) {
	s := NewSearch(StaticUniverse{"LEAD", "ECHO", "LATE"}, trioSource(), zerolog.Nop(), WithClock(fixedClock))
	p := searchParams()
	p.TickIntervalMs = 2
	ctx, cancel := context.WithCancel(context.Background())
	first := s.Start(ctx, p)
	if !first.OK {
		t.Fatalf("start failed: %s", first.Reason)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.State().Phase != PhaseIdle {
		time.Sleep(2 * time.Millisecond)
	}
	st := s.State()
	if st.Phase != PhaseIdle || st.SessionID != "" || st.Message != "stopped: context canceled" {
		t.Fatalf("expected idle after parent cancel, got %+v", st)
	}
	if len(s.Shortlist().Top) != 0 {
		t.Fatalf("shortlist must be cleared")
	}

	second := s.Start(context.Background(), p)
	if !second.OK || second.SessionID == first.SessionID {
		t.Fatalf("expected a fresh session after expiry, got %+v", second)
	}
	if res := s.Stop("done"); !res.OK || s.State().Phase != PhaseIdle {
		t.Fatalf("expected clean stop, got %+v", s.State())
	}
}
