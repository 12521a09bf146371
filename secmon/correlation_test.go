package secmon_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tcassar-diss/secmon/secmon"
	"golang.org/x/sync/errgroup"
)

func TestAttributeScenario(t *testing.T) {
	cases := []struct {
		name          string
		policy        secmon.Policy
		verdicts      []secmon.Verdict
		expectedTable secmon.Snapshot
	}{
		{
			name:   "observed",
			policy: secmon.PolicyObserved,
			verdicts: []secmon.Verdict{
				secmon.Dropped, secmon.Matched, secmon.FastPath, secmon.Candidate,
			},
			expectedTable: secmon.Snapshot{2: 2, 3: 1},
		},
		{
			name:   "strict",
			policy: secmon.PolicyStrict,
			verdicts: []secmon.Verdict{
				secmon.Dropped, secmon.Matched, secmon.FastPath, secmon.Dropped,
			},
			expectedTable: secmon.Snapshot{2: 2},
		},
	}

	records := []secmon.TraceRecord{
		secmon.NewTraceRecord(7, 99, 1, "init"),
		secmon.NewTraceRecord(7, 42, 2, "app"),
		secmon.NewTraceRecord(7, 1, 2, "child"),
		secmon.NewTraceRecord(9, 42, 3, "app"),
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			corr := secmon.NewCorrelation(secmon.NewCandidateSet([]uint32{42}), c.policy)
			table := secmon.NewSyscallTable()

			for i, r := range records {
				v := corr.Attribute(r)
				require.Equal(t, c.verdicts[i], v, "record %d", i)

				if v.Counted() {
					table.Increment(r.SyscallID)
				}
			}

			group, ok := corr.MatchedGroup()
			require.True(t, ok)
			require.Equal(t, uint64(7), group)
			require.Equal(t, c.expectedTable, table.Snapshot())
		})
	}
}

func TestAttributeEmptyCandidates(t *testing.T) {
	corr := secmon.NewCorrelation(secmon.NewCandidateSet(nil), secmon.PolicyObserved)

	for pid := uint32(0); pid < 100; pid++ {
		require.Equal(t, secmon.Dropped, corr.Attribute(secmon.NewTraceRecord(1, pid, 0, "x")))
	}

	_, ok := corr.MatchedGroup()
	require.False(t, ok)
}

func TestAttributeFastPathIgnoresPid(t *testing.T) {
	corr := secmon.NewCorrelation(secmon.NewCandidateSet([]uint32{10}), secmon.PolicyStrict)

	require.Equal(t, secmon.Matched, corr.Attribute(secmon.NewTraceRecord(5, 10, 0, "a")))

	for pid := uint32(100); pid < 110; pid++ {
		require.Equal(t, secmon.FastPath, corr.Attribute(secmon.NewTraceRecord(5, pid, 0, "b")))
	}
}

func TestSetMatchedGroupFirstWriterWins(t *testing.T) {
	corr := secmon.NewCorrelation(secmon.NewCandidateSet([]uint32{1}), secmon.PolicyObserved)

	group, set := corr.SetMatchedGroup(3)
	require.True(t, set)
	require.Equal(t, uint64(3), group)

	group, set = corr.SetMatchedGroup(4)
	require.False(t, set)
	require.Equal(t, uint64(3), group)

	group, set = corr.SetMatchedGroup(3)
	require.False(t, set)
	require.Equal(t, uint64(3), group)
}

func TestSetMatchedGroupConcurrent(t *testing.T) {
	corr := secmon.NewCorrelation(secmon.NewCandidateSet([]uint32{1}), secmon.PolicyObserved)

	const writers = 64

	winners := make(chan uint64, writers)

	var group errgroup.Group
	for i := uint64(1); i <= writers; i++ {
		group.Go(func() error {
			if g, set := corr.SetMatchedGroup(i); set {
				winners <- g
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
	close(winners)

	var won []uint64
	for w := range winners {
		won = append(won, w)
	}

	require.Len(t, won, 1)

	matched, ok := corr.MatchedGroup()
	require.True(t, ok)
	require.Equal(t, won[0], matched)
}

func TestParsePolicy(t *testing.T) {
	for _, p := range []secmon.Policy{secmon.PolicyObserved, secmon.PolicyStrict} {
		got, err := secmon.ParsePolicy(p.String())
		require.NoError(t, err)
		require.Equal(t, p, got)
	}

	got, err := secmon.ParsePolicy("")
	require.NoError(t, err)
	require.Equal(t, secmon.PolicyObserved, got)

	_, err = secmon.ParsePolicy("rebind")
	require.Error(t, err)
}

func TestCandidateSetIsCopied(t *testing.T) {
	pids := []uint32{1, 2, 3}
	set := secmon.NewCandidateSet(pids)

	pids[0] = 100

	require.True(t, set.Contains(1))
	require.False(t, set.Contains(100))

	out := set.PIDs()
	out[1] = 200

	require.Equal(t, []uint32{1, 2, 3}, set.PIDs())
	require.Equal(t, 3, set.Len())
}
