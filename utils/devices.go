package utils

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// VisibleDevicesEnv is the process-wide device visibility variable.
const VisibleDevicesEnv = "CUDA_VISIBLE_DEVICES"

// ErrInvalidDevice is returned for a device token that is not a non-negative integer.
var ErrInvalidDevice = errors.New("invalid device")

// DeviceEnumerator reports how many devices the runtime can see.
type DeviceEnumerator interface {
	DeviceCount(ctx context.Context) (int, error)
}

// NvidiaSMI counts GPUs with `nvidia-smi -L`. A missing tool means no devices.
type NvidiaSMI struct {
	Path string // defaults to "nvidia-smi"
}

func (n NvidiaSMI) DeviceCount(ctx context.Context) (int, error) {
	path := n.Path
	if path == "" {
		path = "nvidia-smi"
	}
	if _, err := exec.LookPath(path); err != nil {
		return 0, nil
	}
	out, err := exec.CommandContext(ctx, path, "-L").Output()
	if err != nil {
		// driver present but unusable: nothing is visible
		return 0, nil
	}
	count := 0
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if strings.HasPrefix(strings.TrimSpace(sc.Text()), "GPU ") {
			count++
		}
	}
	return count, sc.Err()
}

// StaticDevices is a fixed device count.
type StaticDevices int

func (s StaticDevices) DeviceCount(context.Context) (int, error) { return int(s), nil }

// ResolveDevices turns the gpu flag into an ordered device list. "all" expands
// to every enumerated device; anything else is a comma separated index list.
func ResolveDevices(ctx context.Context, gpu string, enum DeviceEnumerator) ([]int, error) {
	if gpu == "all" {
		n, err := enum.DeviceCount(ctx)
		if err != nil {
			return nil, fmt.Errorf("enumerating devices: %w", err)
		}
		devices := make([]int, n)
		for i := range devices {
			devices[i] = i
		}
		return devices, nil
	}
	tokens := strings.Split(gpu, ",")
	devices := make([]int, 0, len(tokens))
	for _, tok := range tokens {
		idx, err := strconv.Atoi(strings.TrimSpace(tok))
		if err != nil {
			return nil, fmt.Errorf("%w %q in %q: %w", ErrInvalidDevice, tok, gpu, err)
		}
		if idx < 0 {
			return nil, fmt.Errorf("%w %q in %q: negative index", ErrInvalidDevice, tok, gpu)
		}
		devices = append(devices, idx)
	}
	return devices, nil
}

// EffectiveBatchSize scales the per-device batch by the device count, treating
// an empty list as one device.
func EffectiveBatchSize(perDevice int, devices []int) int {
	return perDevice * max(len(devices), 1)
}

// VisibleDevices joins the device list with commas.
func VisibleDevices(devices []int) string {
	parts := make([]string, len(devices))
	for i, d := range devices {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

var (
	publishOnce sync.Once
	publishErr  error
	published   string
)

// PublishVisibleDevices writes the visibility variable. Only the first call in a
// process has any effect; it returns the value actually published.
func PublishVisibleDevices(value string) (string, error) {
	publishOnce.Do(func() {
		published = value
		publishErr = os.Setenv(VisibleDevicesEnv, value)
	})
	return published, publishErr
}
