//go:build linux

package pulse

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rendis/mnemos/pkg/schema"
)

// ProcSampler reads /proc/stat and /proc/meminfo. CPU load is the busy share
// of jiffies since the previous call (since boot on the first call).
type ProcSampler struct {
	root string

	mu        sync.Mutex
	prevBusy  uint64
	prevTotal uint64
}

// NewSampler returns the sampler for the running OS.
func NewSampler() Sampler {
	return &ProcSampler{root: "/proc"}
}

// Sample implements Sampler.
func (p *ProcSampler) Sample(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}

	busy, total, err := p.readCPU()
	if err != nil {
		return Sample{}, err
	}
	mem, err := p.readMem()
	if err != nil {
		return Sample{}, err
	}

	p.mu.Lock()
	dBusy, dTotal := busy-p.prevBusy, total-p.prevTotal
	if busy < p.prevBusy || total < p.prevTotal {
		dBusy, dTotal = busy, total
	}
	p.prevBusy, p.prevTotal = busy, total
	p.mu.Unlock()

	var cpu float64
	if dTotal > 0 {
		cpu = 100 * float64(dBusy) / float64(dTotal)
	}

	return Sample{
		CPUPercent: cpu,
		MemPercent: mem,
		CPUCount:   runtime.NumCPU(),
		Time:       time.Now(),
	}, nil
}

// readCPU returns busy and total jiffies from the aggregate cpu line.
func (p *ProcSampler) readCPU() (busy, total uint64, err error) {
	data, err := os.ReadFile(filepath.Join(p.root, "stat"))
	if err != nil {
		return 0, 0, schema.NewErrorf(schema.ErrCodeIO, "read cpu stats: %s", err.Error()).WithCause(err)
	}
	line, _, _ := bytes.Cut(data, []byte("\n"))
	fields := strings.Fields(string(line))
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, schema.NewError(schema.ErrCodeIO, "unexpected /proc/stat format")
	}

	// user nice system idle iowait irq softirq steal ...; guest time is
	// already included in user and nice.
	for i, f := range fields[1:] {
		if i >= 8 {
			break
		}
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, 0, schema.NewErrorf(schema.ErrCodeIO, "parse /proc/stat: %s", err.Error()).WithCause(err)
		}
		total += v
		if i != 3 && i != 4 { // idle, iowait
			busy += v
		}
	}
	return busy, total, nil
}

// readMem returns used memory as a percentage of MemTotal.
func (p *ProcSampler) readMem() (float64, error) {
	f, err := os.Open(filepath.Join(p.root, "meminfo"))
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeIO, "read meminfo: %s", err.Error()).WithCause(err)
	}
	defer f.Close()

	var totalKB, availKB int64 = -1, -1
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 2 {
			continue
		}
		switch parts[0] {
		case "MemTotal:":
			totalKB, _ = strconv.ParseInt(parts[1], 10, 64)
		case "MemAvailable:":
			availKB, _ = strconv.ParseInt(parts[1], 10, 64)
		}
	}
	if totalKB <= 0 || availKB < 0 {
		return 0, schema.NewError(schema.ErrCodeIO, "meminfo lacks MemTotal or MemAvailable")
	}
	return 100 * float64(totalKB-availKB) / float64(totalKB), nil
}
