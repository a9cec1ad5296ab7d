//go:build linux

package tuning

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rendis/mnemos/pkg/schema"
)

const (
	// maxCPUs is the capacity of unix.CPUSet.
	maxCPUs        = 1024
	dropCachesPath = "/proc/sys/vm/drop_caches"
	helperTimeout  = 10 * time.Second
)

var _ Platform = (*LinuxPlatform)(nil)

// LinuxPlatform drives sched_setaffinity, setpriority and drop_caches.
type LinuxPlatform struct {
	procRoot       string
	dropCachesPath string
}

// NewLinuxPlatform creates a LinuxPlatform reading the live /proc.
func NewLinuxPlatform() *LinuxPlatform {
	return &LinuxPlatform{procRoot: "/proc", dropCachesPath: dropCachesPath}
}

// Name returns "linux".
func (l *LinuxPlatform) Name() string { return "linux" }

// Caps reports every primitive as available.
func (l *LinuxPlatform) Caps() PlatformCaps {
	return PlatformCaps{Affinity: true, Priority: true, DropCaches: true, ProcessList: true}
}

// GetAffinity returns the sorted set of cores pid may run on, as seen by its
// main thread.
func (l *LinuxPlatform) GetAffinity(pid int) ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(processID(pid), &set); err != nil {
		return nil, osError("sched_getaffinity", err)
	}
	cpus := make([]int, 0, set.Count())
	for i := 0; i < maxCPUs; i++ {
		if set.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus, nil
}

// SetAffinity pins every thread of pid to cpus. When the syscall is
// unavailable it falls back to the taskset utility.
func (l *LinuxPlatform) SetAffinity(pid int, cpus []int) error {
	if err := validateCPUs(cpus, maxCPUs); err != nil {
		return err
	}

	var set unix.CPUSet
	set.Zero()
	for _, c := range cpus {
		set.Set(c)
	}

	err := l.eachThread(pid, func(tid int) error {
		return unix.SchedSetaffinity(tid, &set)
	})
	if errors.Is(err, unix.ENOSYS) {
		return l.tasksetAffinity(pid, cpus)
	}
	return osError("sched_setaffinity", err)
}

func (l *LinuxPlatform) tasksetAffinity(pid int, cpus []int) error {
	list := make([]string, len(cpus))
	for i, c := range cpus {
		list[i] = strconv.Itoa(c)
	}
	ctx := context.Background()
	_, err := runCommand(ctx, helperTimeout, "taskset", "-a", "-p", "-c", strings.Join(list, ","), strconv.Itoa(processID(pid)))
	return err
}

// GetPriority returns the niceness of pid's main thread.
func (l *LinuxPlatform) GetPriority(pid int) (schema.Priority, error) {
	// The raw syscall reports 20 - nice so that the result is never negative.
	prio, err := unix.Getpriority(unix.PRIO_PROCESS, processID(pid))
	if err != nil {
		return schema.Priority{}, osError("getpriority", err)
	}
	return schema.NicePriority(20 - prio), nil
}

// SetPriority sets the niceness of every thread of pid. Class tokens are
// mapped onto niceness.
func (l *LinuxPlatform) SetPriority(pid int, p schema.Priority) error {
	nice, err := p.AsNice()
	if err != nil {
		return err
	}
	return osError("setpriority", l.eachThread(pid, func(tid int) error {
		return unix.Setpriority(unix.PRIO_PROCESS, tid, nice)
	}))
}

// processID resolves Self to the thread group id. The kernel reads pid 0 as
// the calling thread, which for a Go program is whichever M runs the caller.
func processID(pid int) int {
	if pid == Self {
		return os.Getpid()
	}
	return pid
}

// eachThread runs fn for every task listed under /proc/<pid>/task. Threads
// that exit mid-scan are skipped. Without a task directory only the main
// thread is touched.
func (l *LinuxPlatform) eachThread(pid int, fn func(tid int) error) error {
	pid = processID(pid)
	tids, err := l.threads(pid)
	if err != nil {
		return fn(pid)
	}

	applied := 0
	for _, tid := range tids {
		err := fn(tid)
		if errors.Is(err, unix.ESRCH) {
			continue
		}
		if err != nil {
			return err
		}
		applied++
	}
	if applied == 0 {
		return unix.ESRCH
	}
	return nil
}

func (l *LinuxPlatform) threads(pid int) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(l.procRoot, strconv.Itoa(pid), "task"))
	if err != nil {
		return nil, err
	}
	tids := make([]int, 0, len(entries))
	for _, entry := range entries {
		if tid, err := strconv.Atoi(entry.Name()); err == nil {
			tids = append(tids, tid)
		}
	}
	if len(tids) == 0 {
		return nil, fs.ErrNotExist
	}
	return tids, nil
}

// DropCaches flushes dirty pages and drops the page, dentry and inode caches.
// Requires root.
func (l *LinuxPlatform) DropCaches(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unix.Sync()
	return osError("drop caches", os.WriteFile(l.dropCachesPath, []byte("3\n"), 0o200))
}

// ListProcesses scans /proc. Processes that exit or deny access mid-scan are
// skipped.
func (l *LinuxPlatform) ListProcesses(ctx context.Context) ([]Process, error) {
	entries, err := os.ReadDir(l.procRoot)
	if err != nil {
		return nil, osError("read "+l.procRoot, err)
	}

	procs := make([]Process, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || !entry.IsDir() {
			continue
		}
		proc, ok := l.readProcess(pid)
		if !ok {
			continue
		}
		procs = append(procs, proc)
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	return procs, nil
}

func (l *LinuxPlatform) readProcess(pid int) (Process, bool) {
	dir := filepath.Join(l.procRoot, strconv.Itoa(pid))

	comm, err := os.ReadFile(filepath.Join(dir, "comm"))
	if err != nil {
		return Process{}, false
	}
	proc := Process{PID: pid, Name: strings.TrimSpace(string(comm))}

	// Kernel threads have an empty cmdline; that is not an error.
	if raw, err := os.ReadFile(filepath.Join(dir, "cmdline")); err == nil {
		for _, arg := range strings.Split(strings.TrimRight(string(raw), "\x00"), "\x00") {
			if arg != "" {
				proc.Cmdline = append(proc.Cmdline, arg)
			}
		}
	}
	return proc, true
}
