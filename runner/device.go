package runner

import (
	"fmt"

	"github.com/notargets/gocca"
)

// DefaultBackends lists device properties from the most to the least parallel backend
var DefaultBackends = []string{
	`{"mode": "OpenMP"}`,
	`{"mode": "CUDA", "device_id": 0}`,
	`{"mode": "Serial"}`,
}

// CreateDevice opens the device described by props, falling back to
// DefaultBackends when props is empty or fails
func CreateDevice(props string) (*gocca.OCCADevice, error) {
	candidates := DefaultBackends
	if props != "" {
		candidates = append([]string{props}, DefaultBackends...)
	}
	var lastErr error
	for _, p := range candidates {
		device, err := gocca.NewDevice(p)
		if err == nil {
			return device, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no OCCA backend available: %w", lastErr)
}

// CreateTestDevice creates a Device for testing, preferring parallel backends
func CreateTestDevice() *gocca.OCCADevice {
	device, err := CreateDevice("")
	if err != nil {
		panic(err)
	}
	return device
}
