package procfs

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	ErrCgroupEntryInvalid = errors.New("proc cgroup line invalid")
	ErrNotUnified         = errors.New("process has no cgroup v2 entry")
)

// CgroupRegex matches a /proc/<pid>/cgroup line: hierarchy-ID:controller-list:cgroup-path.
var CgroupRegex = regexp.MustCompile(`^(\d+):([^:]*):(.*)$`)

// CgroupEntry is a single line of /proc/<pid>/cgroup.
type CgroupEntry struct {
	HierarchyID string
	Controllers []string
	Path        string
}

// Unified reports whether the entry belongs to the cgroup v2 hierarchy.
func (e *CgroupEntry) Unified() bool {
	return e.HierarchyID == "0" && len(e.Controllers) == 0
}

// Reader resolves the cgroup of a process. It is safe for concurrent use.
type Reader struct {
	logger      *zap.SugaredLogger
	cgroupRoot  string
	pathbuilder func(uint32) string

	mu    sync.Mutex
	cache map[uint32]string
}

// NewReader is configured to look in /proc/<pid>/cgroup and resolve paths under /sys/fs/cgroup.
func NewReader(logger *zap.SugaredLogger) *Reader {
	return &Reader{
		logger:      logger,
		cgroupRoot:  "/sys/fs/cgroup",
		pathbuilder: func(pid uint32) string { return fmt.Sprintf("/proc/%d/cgroup", pid) },
		cache:       make(map[uint32]string),
	}
}

// NewTestReader is configured with a Nop logger. pathbuilder specifies where to find a
// process's cgroup file and cgroupRoot where the cgroup hierarchy is mounted.
func NewTestReader(pathbuilder func(uint32) string, cgroupRoot string) *Reader {
	return &Reader{
		logger:      zap.NewNop().Sugar(),
		cgroupRoot:  cgroupRoot,
		pathbuilder: pathbuilder,
		cache:       make(map[uint32]string),
	}
}

// Entries parses every line of the process's cgroup file.
func (r *Reader) Entries(pid uint32) ([]*CgroupEntry, error) {
	fp := r.pathbuilder(pid)

	f, err := os.Open(fp)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", fp, err)
	}
	defer f.Close()

	var entries []*CgroupEntry

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		l := strings.TrimSpace(scanner.Text())
		if l == "" {
			continue
		}

		e, err := parseLine(l)
		if errors.Is(err, ErrCgroupEntryInvalid) {
			r.logger.Debugw("skipping cgroup line", "pid", pid, "line", l)
			continue
		}

		entries = append(entries, e)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", fp, err)
	}

	return entries, nil
}

func parseLine(l string) (*CgroupEntry, error) {
	res := CgroupRegex.FindStringSubmatch(l)
	if len(res) != 4 {
		return nil, fmt.Errorf("%w: %q", ErrCgroupEntryInvalid, l)
	}

	var controllers []string
	if res[2] != "" {
		controllers = strings.Split(res[2], ",")
	}

	return &CgroupEntry{
		HierarchyID: res[1],
		Controllers: controllers,
		Path:        res[3],
	}, nil
}

// CgroupPath returns the cgroup v2 path of pid, falling back to the first hierarchy
// listed on a v1 host. Results are cached.
func (r *Reader) CgroupPath(pid uint32) (string, error) {
	r.mu.Lock()
	path, ok := r.cache[pid]
	r.mu.Unlock()

	if ok {
		return path, nil
	}

	entries, err := r.Entries(pid)
	if err != nil {
		return "", fmt.Errorf("failed to read cgroups of process %d: %w", pid, err)
	}

	if len(entries) == 0 {
		return "", fmt.Errorf("process %d has no cgroup entries", pid)
	}

	path = entries[0].Path
	for _, e := range entries {
		if e.Unified() {
			path = e.Path
			break
		}
	}

	r.mu.Lock()
	r.cache[pid] = path
	r.mu.Unlock()

	return path, nil
}

// CgroupID returns the id the kernel reports for pid's cgroup, the inode number of its
// directory in the unified hierarchy. Only cgroup v2 is supported: a process with no
// `0::` entry fails with ErrNotUnified.
func (r *Reader) CgroupID(pid uint32) (uint64, error) {
	entries, err := r.Entries(pid)
	if err != nil {
		return 0, fmt.Errorf("failed to read cgroups of process %d: %w", pid, err)
	}

	idx := slices.IndexFunc(entries, (*CgroupEntry).Unified)
	if idx < 0 {
		return 0, fmt.Errorf("%w: pid %d", ErrNotUnified, pid)
	}

	dir := filepath.Join(r.cgroupRoot, filepath.Clean("/"+entries[idx].Path))

	var st unix.Stat_t
	if err := unix.Stat(dir, &st); err != nil {
		return 0, fmt.Errorf("failed to stat cgroup %s: %w", dir, err)
	}

	return st.Ino, nil
}
