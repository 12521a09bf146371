package secmon

import (
	"cmp"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
)

// SyscallTable counts attributed syscalls by number. It is safe for concurrent use.
type SyscallTable struct {
	mu     sync.Mutex
	counts map[uint32]uint64
}

func NewSyscallTable() *SyscallTable {
	return &SyscallTable{counts: make(map[uint32]uint64)}
}

func (t *SyscallTable) Increment(syscallID uint32) {
	t.mu.Lock()
	t.counts[syscallID]++
	t.mu.Unlock()
}

// Snapshot copies the table under the lock.
func (t *SyscallTable) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Snapshot(maps.Clone(t.counts))
}

// Total is the sum of all counts.
func (t *SyscallTable) Total() uint64 {
	return t.Snapshot().Total()
}

// Snapshot is a point in time copy of a SyscallTable.
//
// It marshals to a flat JSON object keyed by syscall number, e.g. {"0": 12, "1": 4}.
type Snapshot map[uint32]uint64

// SyscallCount is a single row of a Snapshot.
type SyscallCount struct {
	SyscallID uint32 `json:"syscall_id"`
	Count     uint64 `json:"count"`
}

func (s Snapshot) Total() uint64 {
	var total uint64
	for _, c := range s {
		total += c
	}

	return total
}

// Sorted returns the snapshot ordered by descending count, then ascending syscall number.
func (s Snapshot) Sorted() []SyscallCount {
	rows := make([]SyscallCount, 0, len(s))
	for id, c := range s {
		rows = append(rows, SyscallCount{SyscallID: id, Count: c})
	}

	slices.SortFunc(rows, func(a, b SyscallCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.SyscallID, b.SyscallID)
	})

	return rows
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := make(map[string]uint64, len(s))
	for id, c := range s {
		out[strconv.FormatUint(uint64(id), 10)] = c
	}

	return json.Marshal(out)
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var in map[string]uint64
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	out := make(Snapshot, len(in))
	for k, c := range in {
		id, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid syscall id %q: %w", k, err)
		}
		out[uint32(id)] = c
	}

	*s = out

	return nil
}
