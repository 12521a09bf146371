package secmon

import (
	"errors"
	"slices"
)

var ErrNoCandidates = errors.New("no candidate processes to correlate")

// CandidateSet is the immutable list of pids reported for the monitored container at startup.
type CandidateSet struct {
	pids []uint32
}

// NewCandidateSet copies pids, so later changes to the caller's slice are not observed.
func NewCandidateSet(pids []uint32) CandidateSet {
	return CandidateSet{pids: slices.Clone(pids)}
}

func (c CandidateSet) Contains(pid uint32) bool {
	return slices.Contains(c.pids, pid)
}

func (c CandidateSet) Len() int {
	return len(c.pids)
}

// PIDs returns a copy of the set in the order it was supplied.
func (c CandidateSet) PIDs() []uint32 {
	return slices.Clone(c.pids)
}
