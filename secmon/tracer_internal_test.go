package secmon

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/stretchr/testify/require"
)

// scriptedReader replays samples, then returns err (os.ErrDeadlineExceeded if unset).
type scriptedReader struct {
	samples  [][]byte
	err      error
	deadline time.Time
	reads    int
}

func (r *scriptedReader) SetDeadline(t time.Time) { r.deadline = t }

func (r *scriptedReader) Read() (ringbuf.Record, error) {
	r.reads++

	if len(r.samples) > 0 {
		s := r.samples[0]
		r.samples = r.samples[1:]
		return ringbuf.Record{RawSample: s}, nil
	}

	if r.err != nil {
		return ringbuf.Record{}, r.err
	}

	return ringbuf.Record{}, os.ErrDeadlineExceeded
}

func samples(n int) [][]byte {
	out := make([][]byte, 0, n)
	for i := range n {
		out = append(out, NewTraceRecord(7, uint32(i), 1, "sh").Encode())
	}
	return out
}

func TestReadBatch(t *testing.T) {
	boom := errors.New("boom")

	cases := []struct {
		name     string
		reader   *scriptedReader
		limit    int
		expected int
		err      error
	}{
		{name: "empty until deadline", reader: &scriptedReader{}, limit: 10, expected: 0},
		{name: "drains until deadline", reader: &scriptedReader{samples: samples(3)}, limit: 10, expected: 3},
		{name: "stops at limit", reader: &scriptedReader{samples: samples(5)}, limit: 2, expected: 2},
		{
			name:     "closed reader",
			reader:   &scriptedReader{samples: samples(1), err: ringbuf.ErrClosed},
			limit:    10,
			expected: 1,
			err:      ErrSourceClosed,
		},
		{
			name:     "read failure",
			reader:   &scriptedReader{err: boom},
			limit:    10,
			expected: 0,
			err:      boom,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			before := time.Now()

			batch, err := readBatch(c.reader, 50*time.Millisecond, c.limit)
			if c.err != nil {
				require.ErrorIs(t, err, c.err)
			} else {
				require.NoError(t, err)
			}

			require.Len(t, batch, c.expected)
			require.False(t, c.reader.deadline.Before(before.Add(50*time.Millisecond)))
		})
	}
}

func TestReadBatchStopsReadingAtLimit(t *testing.T) {
	reader := &scriptedReader{samples: samples(5)}

	batch, err := readBatch(reader, time.Millisecond, 2)
	require.NoError(t, err)
	require.Equal(t, 2, reader.reads)
	require.Len(t, reader.samples, 3)

	r, err := DecodeRecord(batch[1])
	require.NoError(t, err)
	require.Equal(t, uint32(1), r.Pid)
}
