package trainer

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDeviceUnavailable means the requested accelerator is not supported
var ErrDeviceUnavailable = errors.New("device unavailable")

// Device is the compute backend a run executes on
type Device string

// CPU is the only backend compiled in
const CPU Device = "cpu"

// ResolveDevice maps an accelerator setting to a device. "auto" picks the
// best available backend.
func ResolveDevice(accelerator string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(accelerator)) {
	case "", "auto", "cpu":
		return CPU, nil
	case "cuda", "gpu", "mps", "tpu":
		return "", fmt.Errorf("%w: %s", ErrDeviceUnavailable, accelerator)
	default:
		return "", fmt.Errorf("unknown accelerator %q", accelerator)
	}
}
