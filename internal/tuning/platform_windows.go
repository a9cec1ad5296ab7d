//go:build windows

package tuning

import (
	"context"
	"errors"
	"math/bits"
	"sort"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/rendis/mnemos/pkg/schema"
)

var (
	modkernel32                = windows.NewLazySystemDLL("kernel32.dll")
	modpsapi                   = windows.NewLazySystemDLL("psapi.dll")
	procGetProcessAffinityMask = modkernel32.NewProc("GetProcessAffinityMask")
	procSetProcessAffinityMask = modkernel32.NewProc("SetProcessAffinityMask")
	procEmptyWorkingSet        = modpsapi.NewProc("EmptyWorkingSet")
)

var classToWindows = map[string]uint32{
	schema.PriorityIdle:        windows.IDLE_PRIORITY_CLASS,
	schema.PriorityBelowNormal: windows.BELOW_NORMAL_PRIORITY_CLASS,
	schema.PriorityNormal:      windows.NORMAL_PRIORITY_CLASS,
	schema.PriorityAboveNormal: windows.ABOVE_NORMAL_PRIORITY_CLASS,
	schema.PriorityHigh:        windows.HIGH_PRIORITY_CLASS,
	schema.PriorityRealtime:    windows.REALTIME_PRIORITY_CLASS,
}

var _ Platform = (*WindowsPlatform)(nil)

// WindowsPlatform drives process priority classes, affinity masks and
// working-set trimming.
type WindowsPlatform struct{}

// NewWindowsPlatform creates a WindowsPlatform.
func NewWindowsPlatform() *WindowsPlatform {
	return &WindowsPlatform{}
}

// Name returns "windows".
func (w *WindowsPlatform) Name() string { return "windows" }

// Caps reports class-based priority.
func (w *WindowsPlatform) Caps() PlatformCaps {
	return PlatformCaps{Affinity: true, Priority: true, PriorityClasses: true, DropCaches: true, ProcessList: true}
}

func openProcess(pid int, access uint32) (windows.Handle, func(), error) {
	if pid == Self {
		return windows.CurrentProcess(), func() {}, nil
	}
	h, err := windows.OpenProcess(access, false, uint32(pid))
	if err != nil {
		return 0, nil, osError("open process", err)
	}
	return h, func() { _ = windows.CloseHandle(h) }, nil
}

// GetAffinity returns the cores in pid's affinity mask.
func (w *WindowsPlatform) GetAffinity(pid int) ([]int, error) {
	h, release, err := openProcess(pid, windows.PROCESS_QUERY_LIMITED_INFORMATION)
	if err != nil {
		return nil, err
	}
	defer release()

	var procMask, sysMask uintptr
	r, _, callErr := procGetProcessAffinityMask.Call(uintptr(h),
		uintptr(unsafe.Pointer(&procMask)), uintptr(unsafe.Pointer(&sysMask)))
	if r == 0 {
		return nil, osError("GetProcessAffinityMask", callErr)
	}

	var cpus []int
	for i := 0; i < bits.UintSize; i++ {
		if procMask&(1<<uint(i)) != 0 {
			cpus = append(cpus, i)
		}
	}
	return cpus, nil
}

// SetAffinity sets pid's affinity mask. Only the first processor group is
// addressable.
func (w *WindowsPlatform) SetAffinity(pid int, cpus []int) error {
	if err := validateCPUs(cpus, bits.UintSize); err != nil {
		return err
	}
	h, release, err := openProcess(pid, windows.PROCESS_SET_INFORMATION|windows.PROCESS_QUERY_LIMITED_INFORMATION)
	if err != nil {
		return err
	}
	defer release()

	var mask uintptr
	for _, c := range cpus {
		mask |= 1 << uint(c)
	}
	r, _, callErr := procSetProcessAffinityMask.Call(uintptr(h), mask)
	if r == 0 {
		return osError("SetProcessAffinityMask", callErr)
	}
	return nil
}

// GetPriority returns pid's priority class.
func (w *WindowsPlatform) GetPriority(pid int) (schema.Priority, error) {
	h, release, err := openProcess(pid, windows.PROCESS_QUERY_LIMITED_INFORMATION)
	if err != nil {
		return schema.Priority{}, err
	}
	defer release()

	class, err := windows.GetPriorityClass(h)
	if err != nil {
		return schema.Priority{}, osError("GetPriorityClass", err)
	}
	for name, v := range classToWindows {
		if v == class {
			return schema.ClassPriority(name), nil
		}
	}
	return schema.Priority{}, schema.NewErrorf(schema.ErrCodeExecution, "unknown priority class 0x%x", class)
}

// SetPriority sets pid's priority class. Niceness values are bucketed onto
// the nearest class.
func (w *WindowsPlatform) SetPriority(pid int, p schema.Priority) error {
	class, ok := classToWindows[p.AsClass()]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown priority class %q", p.AsClass())
	}
	h, release, err := openProcess(pid, windows.PROCESS_SET_INFORMATION)
	if err != nil {
		return err
	}
	defer release()
	return osError("SetPriorityClass", windows.SetPriorityClass(h, class))
}

// DropCaches trims the working set of the calling process.
func (w *WindowsPlatform) DropCaches(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, _, callErr := procEmptyWorkingSet.Call(uintptr(windows.CurrentProcess()))
	if r == 0 {
		return osError("EmptyWorkingSet", callErr)
	}
	return nil
}

// ListProcesses walks a toolhelp snapshot. Command lines are not collected.
func (w *WindowsPlatform) ListProcesses(ctx context.Context) ([]Process, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, osError("CreateToolhelp32Snapshot", err)
	}
	defer windows.CloseHandle(snap)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))

	var procs []Process
	for err = windows.Process32First(snap, &entry); err == nil; err = windows.Process32Next(snap, &entry) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		procs = append(procs, Process{
			PID:  int(entry.ProcessID),
			Name: windows.UTF16ToString(entry.ExeFile[:]),
		})
	}
	if !errors.Is(err, windows.ERROR_NO_MORE_FILES) {
		return nil, osError("Process32Next", err)
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	return procs, nil
}
