package secmon

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// RecordSize is the size of a data_t record submitted by bpf/secmon.bpf.c.
const RecordSize = 32

const commLen = 16

var ErrDecode = errors.New("failed to decode trace record")

// TraceRecord is a single sys_enter event as seen by the kernel program.
type TraceRecord struct {
	CgroupID  uint64
	SyscallID uint32
	Pid       uint32
	Comm      [commLen]byte
}

// DecodeRecord reads a TraceRecord from raw, a sample in the kernel's native byte order.
//
// Trailing bytes past RecordSize (ringbuf padding) are ignored.
func DecodeRecord(raw []byte) (TraceRecord, error) {
	var r TraceRecord

	if len(raw) < RecordSize {
		return r, fmt.Errorf("%w: got %d bytes, need %d", ErrDecode, len(raw), RecordSize)
	}

	r.CgroupID = binary.NativeEndian.Uint64(raw[0:8])
	r.SyscallID = binary.NativeEndian.Uint32(raw[8:12])
	r.Pid = binary.NativeEndian.Uint32(raw[12:16])
	copy(r.Comm[:], raw[16:16+commLen])

	return r, nil
}

// Encode is the inverse of DecodeRecord.
func (r TraceRecord) Encode() []byte {
	buf := make([]byte, RecordSize)

	binary.NativeEndian.PutUint64(buf[0:8], r.CgroupID)
	binary.NativeEndian.PutUint32(buf[8:12], r.SyscallID)
	binary.NativeEndian.PutUint32(buf[12:16], r.Pid)
	copy(buf[16:], r.Comm[:])

	return buf
}

// Command returns comm up to the first NUL byte, or all of it if there is none.
func (r TraceRecord) Command() string {
	comm := r.Comm[:]

	for i, c := range comm {
		if c == 0 {
			comm = comm[:i]
			break
		}
	}

	return strings.ToValidUTF8(string(comm), "\uFFFD")
}

// NewTraceRecord is a convenience constructor, mostly for tests and replay.
func NewTraceRecord(cgroupID uint64, pid, syscallID uint32, comm string) TraceRecord {
	r := TraceRecord{CgroupID: cgroupID, SyscallID: syscallID, Pid: pid}
	copy(r.Comm[:], comm)

	return r
}
