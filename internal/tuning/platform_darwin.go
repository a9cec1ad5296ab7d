//go:build darwin

package tuning

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rendis/mnemos/pkg/schema"
)

const purgeTimeout = 2 * time.Minute

var _ Platform = (*DarwinPlatform)(nil)

// DarwinPlatform supports niceness and the purge utility. macOS exposes no
// affinity API.
type DarwinPlatform struct{}

// NewDarwinPlatform creates a DarwinPlatform.
func NewDarwinPlatform() *DarwinPlatform {
	return &DarwinPlatform{}
}

// Name returns "darwin".
func (d *DarwinPlatform) Name() string { return "darwin" }

// Caps reports affinity as unavailable.
func (d *DarwinPlatform) Caps() PlatformCaps {
	return PlatformCaps{Priority: true, DropCaches: true, ProcessList: true}
}

// GetAffinity is unsupported.
func (d *DarwinPlatform) GetAffinity(int) ([]int, error) {
	return nil, unsupported(d.Name(), "cpu affinity")
}

// SetAffinity is unsupported.
func (d *DarwinPlatform) SetAffinity(int, []int) error {
	return unsupported(d.Name(), "cpu affinity")
}

// GetPriority returns pid's niceness.
func (d *DarwinPlatform) GetPriority(pid int) (schema.Priority, error) {
	nice, err := unix.Getpriority(unix.PRIO_PROCESS, pid)
	if err != nil {
		return schema.Priority{}, osError("getpriority", err)
	}
	return schema.NicePriority(nice), nil
}

// SetPriority sets pid's niceness. Class tokens are mapped onto niceness.
func (d *DarwinPlatform) SetPriority(pid int, p schema.Priority) error {
	nice, err := p.AsNice()
	if err != nil {
		return err
	}
	return osError("setpriority", unix.Setpriority(unix.PRIO_PROCESS, pid, nice))
}

// DropCaches syncs and runs purge, which needs root on recent releases.
func (d *DarwinPlatform) DropCaches(ctx context.Context) error {
	unix.Sync()
	_, err := runCommand(ctx, purgeTimeout, "purge")
	return err
}

// ListProcesses reads the kern.proc.all sysctl. Command lines are not
// collected.
func (d *DarwinPlatform) ListProcesses(ctx context.Context) ([]Process, error) {
	kprocs, err := unix.SysctlKinfoProcSlice("kern.proc.all")
	if err != nil {
		return nil, osError("sysctl kern.proc.all", err)
	}
	procs := make([]Process, 0, len(kprocs))
	for i := range kprocs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		kp := &kprocs[i]
		procs = append(procs, Process{
			PID:  int(kp.Proc.P_pid),
			Name: unix.ByteSliceToString(kp.Proc.P_comm[:]),
		})
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	return procs, nil
}
