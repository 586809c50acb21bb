// Package device selects the inference provider and reports accelerator state.
package device

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Providers accepted by the recognizer runtime.
const (
	Auto   = "auto"
	CPU    = "cpu"
	CUDA   = "cuda"
	CoreML = "coreml"
)

// GPU describes one accelerator as reported by the driver.
type GPU struct {
	Name          string
	MemoryTotalMB float64
	MemoryUsedMB  float64
}

// Querier lists the accelerators visible to this process.
type Querier interface {
	GPUs(ctx context.Context) ([]GPU, error)
}

// ErrNoDriver is returned when the GPU query tool is not installed.
var ErrNoDriver = errors.New("device: nvidia-smi not found")

// NvidiaSMI queries GPUs through the nvidia-smi binary.
type NvidiaSMI struct {
	// Path defaults to "nvidia-smi" resolved through PATH.
	Path    string
	Timeout time.Duration
}

// GPUs implements Querier.
func (n NvidiaSMI) GPUs(ctx context.Context) ([]GPU, error) {
	path := n.Path
	if path == "" {
		path = "nvidia-smi"
	}
	if _, err := exec.LookPath(path); err != nil {
		return nil, ErrNoDriver
	}

	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path,
		"--query-gpu=name,memory.total,memory.used",
		"--format=csv,noheader,nounits",
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi: %w", err)
	}
	return ParseNvidiaSMI(string(out))
}

// ParseNvidiaSMI parses "name, total, used" CSV rows (MiB, no units).
func ParseNvidiaSMI(out string) ([]GPU, error) {
	var gpus []GPU
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			return nil, fmt.Errorf("unexpected nvidia-smi row %q", line)
		}
		total, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("parse memory.total %q: %w", fields[1], err)
		}
		used, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
		if err != nil {
			return nil, fmt.Errorf("parse memory.used %q: %w", fields[2], err)
		}
		gpus = append(gpus, GPU{
			Name:          strings.TrimSpace(fields[0]),
			MemoryTotalMB: total,
			MemoryUsedMB:  used,
		})
	}
	return gpus, nil
}

// Resolve turns the configured selector into a provider name. "auto" picks
// CUDA when q reports at least one GPU.
func Resolve(ctx context.Context, requested string, q Querier) (string, error) {
	sel := strings.ToLower(strings.TrimSpace(requested))
	switch {
	case sel == "" || sel == Auto:
		if q == nil {
			return CPU, nil
		}
		gpus, err := q.GPUs(ctx)
		if err != nil || len(gpus) == 0 {
			return CPU, nil
		}
		return CUDA, nil
	case sel == CPU, sel == CoreML:
		return sel, nil
	case sel == CUDA || strings.HasPrefix(sel, CUDA+":"):
		return CUDA, nil
	default:
		return "", fmt.Errorf("unsupported device %q (want auto, cpu, cuda or coreml)", requested)
	}
}

// FormatGB renders a MiB amount the way status responses report memory.
func FormatGB(mb float64, precision int) string {
	return strconv.FormatFloat(mb/1024, 'f', precision, 64) + "GB"
}
