package leadlag

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"leadlag-go/internal/metrics"
	"leadlag-go/internal/signal"
)

// Phase is the coarse state of the incremental search.
type Phase string

const (
	PhaseIdle        Phase = "IDLE"
	PhaseEnumerating Phase = "ENUMERATING"
	PhaseTracking    Phase = "TRACKING"
)

// Start rejection reasons.
const (
	ReasonAlreadyRunning      = "already_running"
	ReasonPoolSizeOutOfRange  = "pool_size_out_of_range"
	ReasonInsufficientSymbols = "insufficient_symbols"
	ReasonInvalidSource       = "invalid_source"
)

const (
	minPoolSize      = 10
	maxPoolSize      = 200
	minBudgetMs      = 4
	maxBudgetMs      = 25
	featureTTL       = 5 * time.Second
	impulsesPerTick  = 2
	shortlistSize    = 10
	recencyScaleSec  = 600.0
	enumChunk        = 4096
	enumPerStep      = 4 * enumChunk
	rateAlpha        = 0.2
	rateWindow       = time.Second
)

// SearchParams configures one search session. Zero values fall back to DefaultSearchParams.
type SearchParams struct {
	PoolSize         int
	BudgetMs         int
	MaxFollowers     int
	LagsMs           []int64
	ResponseWindowMs int64
	WindowBars       int
	ImpulseZ         float64
	FollowerThrMult  float64
	FollowerAbsFloor float64
	Source           string
	TickIntervalMs   int
}

// DefaultSearchParams tracks 50 symbols at a 250ms lag with a 12ms step budget.
func DefaultSearchParams() SearchParams {
	return SearchParams{
		PoolSize:         50,
		BudgetMs:         12,
		MaxFollowers:     30,
		LagsMs:           []int64{250},
		ResponseWindowMs: 250,
		WindowBars:       240,
		ImpulseZ:         2.0,
		FollowerThrMult:  0.5,
		FollowerAbsFloor: 1e-4,
		Source:           signal.SourceBinance,
		TickIntervalMs:   50,
	}
}

func (p SearchParams) withDefaults() SearchParams {
	d := DefaultSearchParams()
	if p.PoolSize == 0 {
		p.PoolSize = d.PoolSize
	}
	if p.BudgetMs <= 0 {
		p.BudgetMs = d.BudgetMs
	}
	if p.BudgetMs < minBudgetMs {
		p.BudgetMs = minBudgetMs
	} else if p.BudgetMs > maxBudgetMs {
		p.BudgetMs = maxBudgetMs
	}
	if p.MaxFollowers <= 0 {
		p.MaxFollowers = d.MaxFollowers
	}
	if len(p.LagsMs) == 0 || p.LagsMs[0] <= 0 {
		p.LagsMs = d.LagsMs
	}
	if p.ResponseWindowMs <= 0 {
		p.ResponseWindowMs = d.ResponseWindowMs
	}
	if p.WindowBars <= 0 {
		p.WindowBars = d.WindowBars
	}
	if p.ImpulseZ <= 0 {
		p.ImpulseZ = d.ImpulseZ
	}
	if p.FollowerThrMult <= 0 {
		p.FollowerThrMult = d.FollowerThrMult
	}
	if p.FollowerAbsFloor <= 0 {
		p.FollowerAbsFloor = d.FollowerAbsFloor
	}
	if p.Source == "" {
		p.Source = d.Source
	}
	if p.TickIntervalMs <= 0 {
		p.TickIntervalMs = d.TickIntervalMs
	}
	return p
}

// StartResult reports whether a session started. Reason is set on rejection; SessionID also
// names the running session when Reason is already_running.
type StartResult struct {
	OK        bool
	Reason    string
	SessionID string
}

// StopResult is always OK; stopping an idle search succeeds.
type StopResult struct {
	OK bool
}

// State is the telemetry snapshot published after every step.
type State struct {
	Phase       Phase
	SessionID   string
	Symbols     int
	TotalPairs  int
	Processed   int
	Progress    float64
	Active      int
	Dropped     int
	Qualified   int
	Paused      int
	Evaluations int64
	EvalRate    float64
	EtaScanSec  float64 // -1 while no rate estimate exists
	Message     string
	UpdatedMs   int64
}

// ShortlistEntry is one ranked pair. Loyalty is confirmations over samples.
type ShortlistEntry struct {
	Rank          int
	Leader        string
	Follower      string
	LagMs         int64
	Confirmations int
	Samples       int
	Loyalty       float64
	RankScore     float64
	Status        PairStatus
	LastSignalMs  int64
}

// Shortlist holds the top pairs computed at TsMs.
type Shortlist struct {
	TsMs int64
	Top  []ShortlistEntry
}

// Option configures a Search.
type Option func(*Search)

// WithClock replaces time.Now for cache ageing, recency and timestamps. Step deadlines always use wall time.
func WithClock(now func() time.Time) Option {
	return func(s *Search) {
		if now != nil {
			s.now = now
		}
	}
}

// WithManualSteps disables the background ticker; the caller drives Step.
func WithManualSteps() Option {
	return func(s *Search) { s.manual = true }
}

// Search is the budget-sliced all-pairs lead-lag tracker.
type Search struct {
	log      zerolog.Logger
	universe Universe
	bars     BarSource
	now      func() time.Time
	manual   bool

	mu        sync.Mutex
	sess      *session
	state     State
	shortlist Shortlist
	cancel    context.CancelFunc
	done      chan struct{}
}

type impulse struct {
	ts  int64
	ret float64
}

type session struct {
	id      string
	params  SearchParams
	symbols []string
	n       int
	lagMs   int64
	phase   Phase

	pairs      *pairTable
	candidates map[int]*candidate
	counts     [4]int
	touched    int
	enumCursor int

	leaderCursor   int
	followerCursor []int
	lastImpulseTs  []int64
	features       []feature
	featuresAt     time.Time
	haveFeatures   bool

	evaluations int64
	windowEvals int
	windowStart time.Time
	evalRate    float64
	impulseBuf  []impulse
}

// NewSearch builds an idle search over universe, reading bars from src.
func NewSearch(universe Universe, src BarSource, log zerolog.Logger, opts ...Option) *Search {
	s := &Search{
		log:      log.With().Str("component", "leadlag-search").Logger(),
		universe: universe,
		bars:     src,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state = State{Phase: PhaseIdle, EtaScanSec: -1, Message: "idle"}
	return s
}

// Start allocates session state for the current universe and begins stepping.
func (s *Search) Start(ctx context.Context, params SearchParams) StartResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != nil {
		return StartResult{Reason: ReasonAlreadyRunning, SessionID: s.sess.id}
	}
	p := params.withDefaults()
	if p.PoolSize < minPoolSize || p.PoolSize > maxPoolSize {
		return StartResult{Reason: ReasonPoolSizeOutOfRange}
	}
	src, ok := signal.NormalizeSource(p.Source)
	if !ok {
		return StartResult{Reason: ReasonInvalidSource}
	}
	p.Source = src
	var raw []string
	if s.universe != nil {
		raw = s.universe.UniverseSymbols()
	}
	symbols := poolSymbols(raw, p.PoolSize)
	if len(symbols) < 2 || s.bars == nil {
		return StartResult{Reason: ReasonInsufficientSymbols}
	}

	n := len(symbols)
	sess := &session{
		id:             uuid.NewString(),
		params:         p,
		symbols:        symbols,
		n:              n,
		lagMs:          p.LagsMs[0],
		phase:          PhaseEnumerating,
		pairs:          newPairTable(n),
		candidates:     make(map[int]*candidate),
		followerCursor: make([]int, n),
		lastImpulseTs:  make([]int64, n),
		features:       make([]feature, n),
		windowStart:    time.Now(),
		impulseBuf:     make([]impulse, 0, impulsesPerTick),
	}
	for i := range sess.lastImpulseTs {
		sess.lastImpulseTs[i] = math.MinInt64
	}
	s.sess = sess
	s.shortlist = Shortlist{TsMs: s.now().UnixMilli(), Top: []ShortlistEntry{}}
	s.publish(sess, "enumerating pairs")

	s.log.Info().
		Str("session", sess.id).
		Int("symbols", n).
		Int("pairs", sess.pairs.size()).
		Int("budget_ms", p.BudgetMs).
		Msg("search started")

	if !s.manual {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.loop(runCtx, time.Duration(p.TickIntervalMs)*time.Millisecond, s.done)
	}
	return StartResult{OK: true, SessionID: sess.id}
}

func (s *Search) loop(ctx context.Context, every time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.expire(done, ctx.Err())
			return
		case <-ticker.C:
			s.Step()
		}
	}
}

// expire drops the session when the context given to Start ends without a Stop call.
func (s *Search) expire(done chan struct{}, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != done {
		return
	}
	s.cancel()
	s.cancel, s.done = nil, nil
	s.reset(err.Error())
}

// Stop halts stepping and discards every per-session array. Stopping an idle search is a no-op.
// Cancelling the context passed to Start has the same effect.
func (s *Search) Stop(reason string) StopResult {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset(reason)
	return StopResult{OK: true}
}

// reset discards the session and publishes an idle state. Callers hold s.mu.
func (s *Search) reset(reason string) {
	if s.sess != nil {
		s.log.Info().Str("session", s.sess.id).Str("reason", reason).Msg("search stopped")
	}
	s.sess = nil
	msg := "idle"
	if reason != "" {
		msg = "stopped: " + reason
	}
	s.state = State{Phase: PhaseIdle, EtaScanSec: -1, Message: msg, UpdatedMs: s.now().UnixMilli()}
	s.shortlist = Shortlist{TsMs: s.state.UpdatedMs, Top: []ShortlistEntry{}}
	for _, st := range []PairStatus{StatusActive, StatusDropped, StatusQualified, StatusPaused} {
		metrics.SearchPairs.WithLabelValues(st.String()).Set(0)
	}
}

// State returns the snapshot published by the last step.
func (s *Search) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Shortlist returns a copy of the current top pairs.
func (s *Search) Shortlist() Shortlist {
	s.mu.Lock()
	defer s.mu.Unlock()
	top := make([]ShortlistEntry, len(s.shortlist.Top))
	copy(top, s.shortlist.Top)
	return Shortlist{TsMs: s.shortlist.TsMs, Top: top}
}

// Step performs one budgeted unit of work. It is safe to call concurrently with readers.
func (s *Search) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sess
	if sess == nil {
		return
	}
	started := time.Now()
	deadline := started.Add(time.Duration(sess.params.BudgetMs) * time.Millisecond)
	evalsBefore := sess.evaluations

	var msg string
	switch sess.phase {
	case PhaseEnumerating:
		msg = s.enumerate(sess, deadline)
	case PhaseTracking:
		msg = s.track(sess, deadline)
	}
	s.rank(sess)

	evals := sess.evaluations - evalsBefore
	sess.updateRate(int(evals), time.Now())
	metrics.SearchEvaluations.Add(float64(evals))
	metrics.SearchStepDuration.Observe(time.Since(started).Seconds())
	s.publish(sess, msg)
}

func (s *Search) enumerate(sess *session, deadline time.Time) string {
	total := sess.pairs.size()
	limit := sess.enumCursor + enumPerStep
	if limit > total {
		limit = total
	}
	for sess.enumCursor < limit {
		end := sess.enumCursor + enumChunk
		if end > limit {
			end = limit
		}
		for k := sess.enumCursor; k < end; k++ {
			sess.pairs.status[k] = StatusActive
			sess.pairs.attempts[k] = 0
			sess.pairs.failStreak[k] = 0
			sess.pairs.lastUpdateMs[k] = 0
		}
		sess.counts[StatusActive] += end - sess.enumCursor
		sess.enumCursor = end
		if time.Now().After(deadline) {
			break
		}
	}
	if sess.enumCursor < total {
		return fmt.Sprintf("enumerating %d/%d pairs", sess.enumCursor, total)
	}
	sess.phase = PhaseTracking
	s.log.Info().Str("session", sess.id).Int("pairs", total).Msg("enumeration complete")
	return "tracking"
}

func (s *Search) track(sess *session, deadline time.Time) string {
	now := s.now()
	if !sess.haveFeatures || now.Sub(sess.featuresAt) >= featureTTL {
		for i, sym := range sess.symbols {
			sess.features[i] = newFeature(s.bars.GetBars(sym, sess.params.WindowBars, sess.params.Source), sess.params.ImpulseZ)
		}
		sess.featuresAt = now
		sess.haveFeatures = true
	}
	nowMs := now.UnixMilli()

	start := sess.leaderCursor
	visited := 0
	for ; visited < sess.n; visited++ {
		if visited > 0 && time.Now().After(deadline) {
			break
		}
		s.trackLeader(sess, (start+visited)%sess.n, nowMs)
	}
	if visited == sess.n {
		sess.leaderCursor = (start + 1) % sess.n
		return fmt.Sprintf("tracking %d symbols", sess.n)
	}
	sess.leaderCursor = (start + visited) % sess.n
	return fmt.Sprintf("tracking %d symbols (budget hit after %d leaders)", sess.n, visited)
}

// trackLeader processes up to two matured impulses of leader i, earliest first.
func (s *Search) trackLeader(sess *session, i int, nowMs int64) {
	f := &sess.features[i]
	newest, ok := f.newest()
	if !ok {
		return
	}
	matured := newest - sess.lagMs - sess.params.ResponseWindowMs
	last := sess.lastImpulseTs[i]
	if matured <= last {
		return
	}

	found := sess.impulseBuf[:0]
	for idx := f.firstAfter(last); idx < len(f.Ts) && f.Ts[idx] <= matured; idx++ {
		if math.Abs(f.Returns[idx]) >= f.threshold {
			found = append(found, impulse{ts: f.Ts[idx], ret: f.Returns[idx]})
			if len(found) == impulsesPerTick {
				break
			}
		}
	}
	if len(found) == impulsesPerTick {
		sess.lastImpulseTs[i] = found[len(found)-1].ts
	} else {
		sess.lastImpulseTs[i] = matured
	}

	for _, imp := range found {
		s.probeFollowers(sess, i, imp, nowMs)
	}
	sess.impulseBuf = found[:0]
}

// probeFollowers advances leader i's follower cursor over at most MaxFollowers live pairs.
func (s *Search) probeFollowers(sess *session, i int, imp impulse, nowMs int64) {
	width := sess.n - 1
	limit := sess.params.MaxFollowers
	if limit > width {
		limit = width
	}
	cursor := sess.followerCursor[i]
	probed := 0
	for step := 0; step < width && probed < limit; step++ {
		off := cursor
		cursor = (cursor + 1) % width
		k := i*width + off
		if sess.pairs.status[k] == StatusDropped {
			continue
		}
		j := off
		if j >= i {
			j++
		}
		s.probe(sess, k, j, imp, nowMs)
		probed++
	}
	sess.followerCursor[i] = cursor
}

func (s *Search) probe(sess *session, k, j int, imp impulse, nowMs int64) {
	t := sess.pairs
	if t.attempts[k] == 0 && t.lastUpdateMs[k] == 0 {
		sess.touched++
	}
	t.lastUpdateMs[k] = float64(nowMs)

	ff := &sess.features[j]
	from := imp.ts + sess.lagMs
	resp, ok := ff.sumBetween(from, from+sess.params.ResponseWindowMs)
	if !ok {
		if t.status[k] != StatusPaused {
			sess.setStatus(k, StatusPaused)
		}
		return
	}
	sess.evaluations++

	thr := math.Max(ff.threshold*sess.params.FollowerThrMult, sess.params.FollowerAbsFloor)
	confirmed := resp != 0 && math.Signbit(resp) == math.Signbit(imp.ret) && math.Abs(resp) >= thr

	if t.attempts[k] < maxAttempts {
		t.attempts[k]++
	}
	if confirmed {
		t.failStreak[k] = 0
	} else if t.failStreak[k] < maxFailStreak {
		t.failStreak[k]++
	}

	c := sess.candidates[k]
	if c != nil {
		if confirmed {
			c.Confirmations++
		} else {
			c.NonConfirmations++
		}
		c.LastSignalMs = imp.ts
	} else if confirmed || t.attempts[k] >= candidateMinTries {
		c = &candidate{NonConfirmations: int(t.attempts[k]), LastSignalMs: imp.ts}
		if confirmed {
			c.Confirmations = 1
			c.NonConfirmations--
		}
		sess.candidates[k] = c
	}

	switch {
	case t.failStreak[k] >= dropAfterFails:
		sess.setStatus(k, StatusDropped)
		i, _ := DecodePair(k, sess.n)
		s.log.Debug().
			Str("leader", sess.symbols[i]).
			Str("follower", sess.symbols[j]).
			Uint16("attempts", t.attempts[k]).
			Msg("pair dropped")
	case t.attempts[k] >= qualifyAfter && t.status[k] != StatusQualified:
		sess.setStatus(k, StatusQualified)
	case t.attempts[k] < qualifyAfter && t.status[k] == StatusPaused:
		sess.setStatus(k, StatusActive)
	}
}

func (sess *session) setStatus(k int, st PairStatus) {
	prev := sess.pairs.status[k]
	if prev == st {
		return
	}
	sess.counts[prev]--
	sess.counts[st]++
	sess.pairs.status[k] = st
}

func (sess *session) updateRate(evals int, now time.Time) {
	sess.windowEvals += evals
	elapsed := now.Sub(sess.windowStart)
	if elapsed < rateWindow {
		return
	}
	inst := float64(sess.windowEvals) / elapsed.Seconds()
	if sess.evalRate == 0 {
		sess.evalRate = inst
	} else {
		sess.evalRate = rateAlpha*inst + (1-rateAlpha)*sess.evalRate
	}
	sess.windowEvals = 0
	sess.windowStart = now
}

// publish refreshes the telemetry snapshot and the status gauges. Caller holds s.mu.
func (s *Search) publish(sess *session, msg string) {
	total := sess.pairs.size()
	processed := sess.touched
	if sess.phase == PhaseEnumerating {
		processed = sess.enumCursor
	}
	progress := 0.0
	if total > 0 {
		progress = float64(processed) / float64(total)
	}
	eta := -1.0
	if untouched := total - sess.touched; untouched == 0 {
		eta = 0
	} else if sess.evalRate > 0 {
		eta = float64(untouched) / sess.evalRate
	}
	s.state = State{
		Phase:       sess.phase,
		SessionID:   sess.id,
		Symbols:     sess.n,
		TotalPairs:  total,
		Processed:   processed,
		Progress:    progress,
		Active:      sess.counts[StatusActive],
		Dropped:     sess.counts[StatusDropped],
		Qualified:   sess.counts[StatusQualified],
		Paused:      sess.counts[StatusPaused],
		Evaluations: sess.evaluations,
		EvalRate:    sess.evalRate,
		EtaScanSec:  eta,
		Message:     msg,
		UpdatedMs:   s.now().UnixMilli(),
	}
	for _, st := range []PairStatus{StatusActive, StatusDropped, StatusQualified, StatusPaused} {
		metrics.SearchPairs.WithLabelValues(st.String()).Set(float64(sess.counts[st]))
	}
}
