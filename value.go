package spandb

import (
	"time"

	"github.com/spandb/spandb.go/pkg/protocol"
)

type timestampBoundMode int

const (
	strong timestampBoundMode = iota
	exactStaleness
	maxStaleness
	minReadTimestamp
	readTimestamp
)

// TimestampBound picks the consistency of a read-only transaction or single
// read. The zero value is a strong read.
type TimestampBound struct {
	mode timestampBoundMode
	d    time.Duration
	t    time.Time
}

// StrongRead observes every transaction committed before the read started.
func StrongRead() TimestampBound { return TimestampBound{mode: strong} }

// ExactStaleness reads at exactly now minus d.
func ExactStaleness(d time.Duration) TimestampBound {
	return TimestampBound{mode: exactStaleness, d: d}
}

// MaxStaleness lets the server pick the freshest timestamp within d that
// avoids blocking. Only valid for single-use reads.
func MaxStaleness(d time.Duration) TimestampBound {
	return TimestampBound{mode: maxStaleness, d: d}
}

// MinReadTimestamp reads at some timestamp at or after t. Only valid for
// single-use reads.
func MinReadTimestamp(t time.Time) TimestampBound {
	return TimestampBound{mode: minReadTimestamp, t: t}
}

// ReadTimestamp reads at exactly t.
func ReadTimestamp(t time.Time) TimestampBound {
	return TimestampBound{mode: readTimestamp, t: t}
}

func (tb TimestampBound) readOnlyOptions(returnReadTimestamp bool) *protocol.ReadOnlyOptions {
	opts := &protocol.ReadOnlyOptions{ReturnReadTimestamp: returnReadTimestamp}
	switch tb.mode {
	case strong:
		opts.Strong = true
	case exactStaleness:
		d := tb.d
		opts.ExactStaleness = &d
	case maxStaleness:
		d := tb.d
		opts.MaxStaleness = &d
	case minReadTimestamp:
		t := tb.t
		opts.MinReadTimestamp = &t
	case readTimestamp:
		t := tb.t
		opts.ReadTimestamp = &t
	}
	return opts
}

// CommitStats summarizes a commit when requested via CommitOptions.
type CommitStats struct {
	MutationCount int64
}

// CommitResult reports the outcome of a successful commit.
type CommitResult struct {
	CommitTimestamp time.Time
	CommitStats     *CommitStats
}

// CommitOptions tunes commit behavior.
type CommitOptions struct {
	ReturnCommitStats bool
}

func commitResultFromProto(res *protocol.CommitResponse) CommitResult {
	out := CommitResult{CommitTimestamp: res.CommitTimestamp}
	if res.CommitStats != nil {
		out.CommitStats = &CommitStats{MutationCount: res.CommitStats.MutationCount}
	}
	return out
}
