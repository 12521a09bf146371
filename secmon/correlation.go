package secmon

import (
	"fmt"
	"sync"
)

// Policy decides what happens to a candidate pid seen outside the matched group.
type Policy int

const (
	// PolicyObserved counts a candidate pid's syscalls even when they arrive from a
	// cgroup other than the matched one. The matched group itself never changes.
	PolicyObserved Policy = iota

	// PolicyStrict only consults the candidate set until a group is matched. After that,
	// records from any other cgroup are dropped.
	PolicyStrict
)

func (p Policy) String() string {
	switch p {
	case PolicyObserved:
		return "observed"
	case PolicyStrict:
		return "strict"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy is the inverse of Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "observed":
		return PolicyObserved, nil
	case "strict":
		return PolicyStrict, nil
	default:
		return 0, fmt.Errorf("unknown correlation policy %q", s)
	}
}

// Correlation holds the candidate set and the cgroup the monitored container was found in.
//
// The matched group is written at most once. Correlation is safe for concurrent use.
type Correlation struct {
	candidates CandidateSet
	policy     Policy

	mu      sync.RWMutex
	matched bool
	group   uint64
}

func NewCorrelation(candidates CandidateSet, policy Policy) *Correlation {
	return &Correlation{
		candidates: candidates,
		policy:     policy,
	}
}

func (c *Correlation) Candidates() CandidateSet {
	return c.candidates
}

func (c *Correlation) Policy() Policy {
	return c.policy
}

// MatchedGroup returns the matched cgroup id, and false if no record has been matched yet.
func (c *Correlation) MatchedGroup() (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.group, c.matched
}

// SetMatchedGroup records id as the matched group unless one is already set.
//
// It returns the group in effect after the call and whether this call set it.
func (c *Correlation) SetMatchedGroup(id uint64) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.matched {
		return c.group, false
	}

	c.group = id
	c.matched = true

	return c.group, true
}

// Verdict is the outcome of attributing a single record.
type Verdict int

const (
	// Dropped records do not belong to the monitored container.
	Dropped Verdict = iota
	// FastPath records came from the matched cgroup.
	FastPath
	// Matched is the verdict for the record that set the matched cgroup.
	Matched
	// Candidate records came from a candidate pid outside the matched cgroup.
	Candidate
)

func (v Verdict) String() string {
	switch v {
	case Dropped:
		return "dropped"
	case FastPath:
		return "fast-path"
	case Matched:
		return "matched"
	case Candidate:
		return "candidate"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// Counted reports whether a record with this verdict is counted.
func (v Verdict) Counted() bool {
	return v != Dropped
}

// Attribute decides whether r belongs to the monitored container. The first record
// from a candidate pid sets the matched cgroup.
func (c *Correlation) Attribute(r TraceRecord) Verdict {
	group, matched := c.MatchedGroup()

	if matched && r.CgroupID == group {
		return FastPath
	}

	if matched && c.policy == PolicyStrict {
		return Dropped
	}

	if !c.candidates.Contains(r.Pid) {
		return Dropped
	}

	winner, set := c.SetMatchedGroup(r.CgroupID)
	if set {
		return Matched
	}

	// another candidate may have won the race to set the group
	if c.policy == PolicyStrict && winner != r.CgroupID {
		return Dropped
	}

	if winner == r.CgroupID {
		return FastPath
	}

	return Candidate
}
