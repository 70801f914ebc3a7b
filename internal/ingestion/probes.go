// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/chronicle/internal/config"
	"github.com/traylinx/chronicle/internal/types"
)

// Probe samples one resource. Sample returns the current value and the
// threshold it is compared against.
type Probe interface {
	Name() string
	Sample(ctx context.Context) (value, threshold float64, err error)
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc struct {
	ProbeName string
	Threshold float64
	Fn        func(ctx context.Context) (float64, error)
}

func (p ProbeFunc) Name() string { return p.ProbeName }

func (p ProbeFunc) Sample(ctx context.Context) (float64, float64, error) {
	v, err := p.Fn(ctx)
	return v, p.Threshold, err
}

// probeProfile maps a probe to the error type and priority of its breach.
var probeProfile = map[string]struct {
	errorType string
	priority  types.Priority
	unit      string
}{
	"cpu":     {"CPUSaturation", types.PriorityWarn, "%"},
	"memory":  {"MemoryError", types.PriorityError, "%"},
	"disk":    {"DiskFullError", types.PriorityError, "%"},
	"zombies": {"ZombieProcesses", types.PriorityWarn, ""},
}

// SystemProbes returns the cpu, memory, disk and zombie probes configured by
// cfg, reading process information under procRoot.
func SystemProbes(cfg config.ProbeConfig, procRoot string) []Probe {
	if procRoot == "" {
		procRoot = "/proc"
	}
	return []Probe{
		ProbeFunc{"cpu", cfg.CPUPercent, func(context.Context) (float64, error) { return cpuPercent(procRoot) }},
		ProbeFunc{"memory", cfg.MemoryPercent, func(context.Context) (float64, error) { return memoryPercent(procRoot) }},
		ProbeFunc{"disk", cfg.DiskPercent, func(context.Context) (float64, error) { return diskPercent(cfg.DiskPath) }},
		ProbeFunc{"zombies", float64(cfg.MaxZombies), func(context.Context) (float64, error) { return zombieCount(procRoot) }},
	}
}

// breach converts a probe sample above its threshold into a failure event.
func breach(name string, value, threshold float64, now time.Time) types.FailureEvent {
	prof, ok := probeProfile[name]
	if !ok {
		prof.errorType, prof.priority = "ResourceThreshold", types.PriorityWarn
	}
	priority := prof.priority
	// A nearly exhausted resource is critical whatever the threshold.
	if prof.unit == "%" && value >= 98 {
		priority = types.PriorityCritical
	}
	return types.FailureEvent{
		ID:         uuid.NewString(),
		Source:     "system",
		Origin:     types.OriginProbe,
		Operation:  "probe." + name,
		ErrorType:  prof.errorType,
		Raw:        fmt.Sprintf("%s at %.1f%s exceeds threshold %.1f%s", name, value, prof.unit, threshold, prof.unit),
		Metric:     value,
		Severity:   priority.Severity(),
		Priority:   priority,
		DetectedAt: now,
	}
}

// sampleAll runs every probe and returns the breaches.
func sampleAll(ctx context.Context, probes []Probe, now time.Time) []types.FailureEvent {
	var out []types.FailureEvent
	for _, p := range probes {
		v, threshold, err := p.Sample(ctx)
		if err != nil {
			log.WithError(err).WithField("probe", p.Name()).Debug("ingestion: probe failed")
			continue
		}
		if threshold > 0 && v > threshold {
			out = append(out, breach(p.Name(), v, threshold, now))
		}
	}
	return out
}

func cpuPercent(procRoot string) (float64, error) {
	data, err := os.ReadFile(filepath.Join(procRoot, "loadavg"))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("ingestion: empty loadavg")
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("ingestion: parse loadavg: %w", err)
	}
	return load / float64(runtime.NumCPU()) * 100, nil
}

func memoryPercent(procRoot string) (float64, error) {
	f, err := os.Open(filepath.Join(procRoot, "meminfo"))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var total, available float64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, fmt.Errorf("ingestion: MemTotal missing from meminfo")
	}
	return (total - available) / total * 100, nil
}

// zombieCount counts processes whose state field is Z.
func zombieCount(procRoot string) (float64, error) {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(procRoot, e.Name(), "stat"))
		if err != nil {
			continue
		}
		// The command name is parenthesized and may contain spaces.
		i := bytes.LastIndexByte(data, ')')
		if i < 0 {
			continue
		}
		rest := strings.Fields(string(data[i+1:]))
		if len(rest) > 0 && rest[0] == "Z" {
			n++
		}
	}
	return float64(n), nil
}
