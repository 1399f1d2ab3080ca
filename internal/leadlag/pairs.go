package leadlag

import "strings"

// PairStatus is the lifecycle state of an ordered pair within a search session.
type PairStatus uint8

const (
	StatusActive PairStatus = iota
	StatusDropped
	StatusQualified
	StatusPaused
)

func (s PairStatus) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusDropped:
		return "DROPPED"
	case StatusQualified:
		return "QUALIFIED"
	case StatusPaused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus accepts a case-insensitive status name.
func ParseStatus(s string) (PairStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ACTIVE":
		return StatusActive, true
	case "DROPPED":
		return StatusDropped, true
	case "QUALIFIED":
		return StatusQualified, true
	case "PAUSED":
		return StatusPaused, true
	default:
		return 0, false
	}
}

// EncodePair maps the ordered pair (i, j), i != j, onto [0, n*(n-1)).
func EncodePair(i, j, n int) int {
	if j > i {
		j--
	}
	return i*(n-1) + j
}

// DecodePair inverts EncodePair.
func DecodePair(k, n int) (int, int) {
	i := k / (n - 1)
	j := k % (n - 1)
	if j >= i {
		j++
	}
	return i, j
}

const (
	dropAfterFails    = 10
	qualifyAfter      = 10
	candidateMinTries = 3
	maxAttempts       = 1<<16 - 1
	maxFailStreak     = 1<<8 - 1
)

// pairTable is struct-of-arrays state for every ordered pair in the pool, indexed by EncodePair.
type pairTable struct {
	n            int
	attempts     []uint16
	failStreak   []uint8
	status       []PairStatus
	lastUpdateMs []float64
}

func newPairTable(n int) *pairTable {
	total := n * (n - 1)
	return &pairTable{
		n:            n,
		attempts:     make([]uint16, total),
		failStreak:   make([]uint8, total),
		status:       make([]PairStatus, total),
		lastUpdateMs: make([]float64, total),
	}
}

func (t *pairTable) size() int { return len(t.status) }

// candidate carries detail for pairs that have earned it.
type candidate struct {
	Confirmations    int
	NonConfirmations int
	LastSignalMs     int64
}

func (c *candidate) samples() int { return c.Confirmations + c.NonConfirmations }
