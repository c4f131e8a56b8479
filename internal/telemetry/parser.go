// Package telemetry polls rig hardware over the execution gateway,
// parses vendor tool output, computes derived metrics from raw
// counters, and persists snapshots.
package telemetry

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bokiko/bloxos-sub000/pkg/models"
)

// ErrParse is returned for vendor output that does not match the
// expected shape. Parse failures skip the affected metric and never
// abort a poll cycle.
var ErrParse = errors.New("parse error")

// GPUSample is one parsed row of the vendor GPU CSV query. Nil fields
// were reported as N/A or empty.
type GPUSample struct {
	Temperature *float64
	MemTemp     *float64
	FanSpeed    *float64
	PowerDraw   *float64
	CoreClock   *float64
	MemoryClock *float64
	Utilization *float64
}

// ParseGPUCSVLine parses one CSV line of the form
// `temp,memTemp,fan,power,coreClock,memClock,util`. The values `N/A`,
// `[N/A]` and empty string map to nil.
func ParseGPUCSVLine(line string) (*GPUSample, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 7 {
		return nil, fmt.Errorf("%w: expected 7 fields, got %d in %q", ErrParse, len(fields), line)
	}

	values := make([]*float64, 7)
	for i, raw := range fields {
		values[i] = parseOptionalFloat(raw)
	}

	return &GPUSample{
		Temperature: values[0],
		MemTemp:     values[1],
		FanSpeed:    values[2],
		PowerDraw:   values[3],
		CoreClock:   values[4],
		MemoryClock: values[5],
		Utilization: values[6],
	}, nil
}

// ParseGPUCSV parses multi-line GPU query output, one device per line
// in stable index order. Blank lines are skipped; a malformed line
// fails the whole parse since index alignment would be lost.
func ParseGPUCSV(output string) ([]GPUSample, error) {
	var samples []GPUSample
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sample, err := ParseGPUCSVLine(line)
		if err != nil {
			return nil, err
		}
		samples = append(samples, *sample)
	}
	return samples, nil
}

// ParseGPUNames parses `index, name` CSV output used to discover
// devices. Returns a map of stable index to device name.
func ParseGPUNames(output string) (map[int]string, error) {
	names := make(map[int]string)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ",", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: expected `index, name`, got %q", ErrParse, line)
		}
		idx, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("%w: bad gpu index in %q", ErrParse, line)
		}
		names[idx] = strings.TrimSpace(parts[1])
	}
	return names, nil
}

// InferVendor guesses the GPU vendor from the device name by
// case-insensitive substring match, defaulting to Intel.
func InferVendor(name string) models.GPUVendor {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "nvidia"):
		return models.GPUVendorNvidia
	case strings.Contains(lower, "amd"):
		return models.GPUVendorAMD
	default:
		return models.GPUVendorIntel
	}
}

// CPUStat holds the aggregate jiffy counters from the first line of
// /proc/stat.
type CPUStat struct {
	Total uint64
	Idle  uint64
}

// ParseProcStat parses the aggregate `cpu` line of /proc/stat. Idle is
// the idle column plus iowait when present.
func ParseProcStat(output string) (CPUStat, error) {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		var stat CPUStat
		for i, field := range fields[1:] {
			v, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				return CPUStat{}, fmt.Errorf("%w: bad /proc/stat column %q", ErrParse, field)
			}
			stat.Total += v
			// Columns: user nice system idle iowait irq softirq steal ...
			if i == 3 || i == 4 {
				stat.Idle += v
			}
		}
		return stat, nil
	}
	return CPUStat{}, fmt.Errorf("%w: no aggregate cpu line in /proc/stat output", ErrParse)
}

// CPUUsagePercent computes utilization between two consecutive samples
// as 100 * (totalDelta - idleDelta) / totalDelta, rounded to one
// decimal. Returns nil when there is no meaningful delta (first sample,
// counter reset).
func CPUUsagePercent(prev, cur CPUStat) *float64 {
	if cur.Total <= prev.Total {
		return nil
	}
	dTotal := float64(cur.Total - prev.Total)
	dIdle := float64(cur.Idle) - float64(prev.Idle)
	usage := 100 * (dTotal - dIdle) / dTotal
	usage = math.Round(usage*10) / 10
	return &usage
}

// ParseCPUInfoMHz extracts the first `cpu MHz` value from /proc/cpuinfo
// output (or a pre-grepped line).
func ParseCPUInfoMHz(output string) (*float64, error) {
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "cpu MHz") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: malformed cpu MHz line %q", ErrParse, line)
		}
		mhz, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad cpu MHz value %q", ErrParse, parts[1])
		}
		return &mhz, nil
	}
	return nil, fmt.Errorf("%w: no cpu MHz line found", ErrParse)
}

// ParseMillidegrees converts a sysfs hwmon temperature reading
// (millidegrees Celsius) to whole degrees, rounded.
func ParseMillidegrees(output string) (*float64, error) {
	raw := strings.TrimSpace(output)
	milli, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad millidegree value %q", ErrParse, raw)
	}
	deg := math.Round(float64(milli) / 1000)
	return &deg, nil
}

// ParseEnergyCounter parses a RAPL energy_uj counter (microjoules).
func ParseEnergyCounter(output string) (uint64, error) {
	raw := strings.TrimSpace(output)
	uj, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad energy counter %q", ErrParse, raw)
	}
	return uj, nil
}

// PowerFromEnergy computes average power in watts between two RAPL
// samples: microjoule delta over seconds elapsed times 1e6. Returns nil
// for a non-positive interval or a counter reset/wrap.
func PowerFromEnergy(prevUJ, curUJ uint64, dt time.Duration) *float64 {
	if dt <= 0 || curUJ <= prevUJ {
		return nil
	}
	watts := float64(curUJ-prevUJ) / (dt.Seconds() * 1_000_000)
	return &watts
}

// parseOptionalFloat maps N/A markers and empty values to nil.
func parseOptionalFloat(raw string) *float64 {
	trimmed := strings.TrimSpace(raw)
	switch trimmed {
	case "", "N/A", "[N/A]", "[Not Supported]":
		return nil
	}
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return nil
	}
	return &v
}
