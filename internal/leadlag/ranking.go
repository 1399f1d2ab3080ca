package leadlag

import (
	"math"
	"sort"
	"strings"
)

const (
	eligibleSamples = 10
	defaultPageSize = 50
	maxPageSize     = 500
)

// rank rebuilds the shortlist from candidate state. Caller holds s.mu.
func (s *Search) rank(sess *session) {
	nowMs := s.now().UnixMilli()
	entries := make([]ShortlistEntry, 0, shortlistSize)
	for k, c := range sess.candidates {
		samples := c.samples()
		if samples < eligibleSamples || sess.pairs.status[k] == StatusDropped {
			continue
		}
		ageSec := float64(nowMs-c.LastSignalMs) / 1000
		if ageSec < 0 {
			ageSec = 0
		}
		loyalty := float64(c.Confirmations) / float64(samples)
		i, j := DecodePair(k, sess.n)
		entries = append(entries, ShortlistEntry{
			Leader:        sess.symbols[i],
			Follower:      sess.symbols[j],
			LagMs:         sess.lagMs,
			Confirmations: c.Confirmations,
			Samples:       samples,
			Loyalty:       loyalty,
			RankScore:     100 * loyalty * math.Log1p(float64(samples)) * math.Exp(-ageSec/recencyScaleSec),
			Status:        sess.pairs.status[k],
			LastSignalMs:  c.LastSignalMs,
		})
	}
	sort.Slice(entries, func(a, b int) bool {
		x, y := entries[a], entries[b]
		if x.RankScore != y.RankScore {
			return x.RankScore > y.RankScore
		}
		if x.Leader != y.Leader {
			return x.Leader < y.Leader
		}
		return x.Follower < y.Follower
	})
	if len(entries) > shortlistSize {
		entries = entries[:shortlistSize]
	}
	for idx := range entries {
		entries[idx].Rank = idx + 1
	}
	s.shortlist = Shortlist{TsMs: nowMs, Top: entries}
}

// PageQuery selects a slice of the raw pair table. Page is 1-based; Status and Query are optional.
type PageQuery struct {
	Page     int
	PageSize int
	Status   string
	Query    string
}

// PairRow is one enumerated pair slot as listed by CombosPage.
type PairRow struct {
	Index         int
	Leader        string
	Follower      string
	Attempts      int
	FailStreak    int
	Status        PairStatus
	LastUpdateMs  float64
	Confirmations int
}

// Page is one page of pair rows; TotalRows counts every row matching the filters.
type Page struct {
	Page      int
	PageSize  int
	TotalRows int
	Rows      []PairRow
}

// CombosPage pages through the pair table in index order without touching session state.
// An unrecognized status filter matches nothing.
func (s *Search) CombosPage(q PageQuery) Page {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = defaultPageSize
	} else if q.PageSize > maxPageSize {
		q.PageSize = maxPageSize
	}
	out := Page{Page: q.Page, PageSize: q.PageSize, Rows: []PairRow{}}

	var want PairStatus
	filterStatus := strings.TrimSpace(q.Status) != ""
	if filterStatus {
		st, ok := ParseStatus(q.Status)
		if !ok {
			return out
		}
		want = st
	}
	query := strings.ToUpper(strings.TrimSpace(q.Query))

	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sess
	if sess == nil {
		return out
	}

	skip := (q.Page - 1) * q.PageSize
	t := sess.pairs
	for k := 0; k < sess.enumCursor; k++ {
		if filterStatus && t.status[k] != want {
			continue
		}
		i, j := DecodePair(k, sess.n)
		if query != "" && !strings.Contains(sess.symbols[i], query) && !strings.Contains(sess.symbols[j], query) {
			continue
		}
		out.TotalRows++
		if out.TotalRows <= skip || len(out.Rows) >= q.PageSize {
			continue
		}
		row := PairRow{
			Index:        k,
			Leader:       sess.symbols[i],
			Follower:     sess.symbols[j],
			Attempts:     int(t.attempts[k]),
			FailStreak:   int(t.failStreak[k]),
			Status:       t.status[k],
			LastUpdateMs: t.lastUpdateMs[k],
		}
		if c := sess.candidates[k]; c != nil {
			row.Confirmations = c.Confirmations
		}
		out.Rows = append(out.Rows, row)
	}
	return out
}
