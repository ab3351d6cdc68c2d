package runner

import (
	"fmt"
	"unsafe"

	"github.com/notargets/gocca"
)

// Runner owns compiled kernels and pooled float64 device arrays of one device
type Runner struct {
	Device       *gocca.OCCADevice
	Kernels      map[string]*gocca.OCCAKernel
	PooledMemory map[string]*gocca.OCCAMemory
	arraySizes   map[string]int // Number of float64 values per pooled array
}

// NewRunner creates a new Runner instance
func NewRunner(device *gocca.OCCADevice) *Runner {
	if device == nil {
		panic("runner needs a device")
	}
	return &Runner{
		Device:       device,
		Kernels:      make(map[string]*gocca.OCCAKernel),
		PooledMemory: make(map[string]*gocca.OCCAMemory),
		arraySizes:   make(map[string]int),
	}
}

// BuildKernel compiles and registers a kernel. A kernel already registered
// under name is returned as is.
func (kr *Runner) BuildKernel(kernelSource, kernelName string) (*gocca.OCCAKernel, error) {
	if kernel, ok := kr.Kernels[kernelName]; ok {
		return kernel, nil
	}

	var kernel *gocca.OCCAKernel
	var err error
	if kr.Device.Mode() == "OpenMP" {
		// Workaround for OCCA bug: OpenMP doesn't get default -O3 flag
		props := gocca.JsonParse(`{"compiler_flags": "-O3"}`)
		defer props.Free()
		kernel, err = kr.Device.BuildKernelFromString(kernelSource, kernelName, props)
	} else {
		kernel, err = kr.Device.BuildKernelFromString(kernelSource, kernelName, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build kernel %s: %w", kernelName, err)
	}
	if kernel == nil {
		return nil, fmt.Errorf("kernel build returned nil for %s", kernelName)
	}
	kr.Kernels[kernelName] = kernel
	return kernel, nil
}

// AllocateArray returns a pooled array of n float64 values, reallocating
// it when the size changed
func (kr *Runner) AllocateArray(name string, n int) (*gocca.OCCAMemory, error) {
	if n <= 0 {
		return nil, fmt.Errorf("array %s: invalid size %d", name, n)
	}
	if mem, ok := kr.PooledMemory[name]; ok {
		if kr.arraySizes[name] == n {
			return mem, nil
		}
		mem.Free()
		delete(kr.PooledMemory, name)
	}
	mem := kr.Device.Malloc(int64(n*8), nil, nil)
	if mem == nil {
		return nil, fmt.Errorf("array %s: device allocation of %d values failed", name, n)
	}
	kr.PooledMemory[name] = mem
	kr.arraySizes[name] = n
	return mem, nil
}

// GetMemory returns the device memory for a named array
func (kr *Runner) GetMemory(arrayName string) *gocca.OCCAMemory {
	return kr.PooledMemory[arrayName]
}

// CopyToDevice copies host values into a pooled array
func (kr *Runner) CopyToDevice(name string, data []float64) error {
	mem, err := kr.sized(name, len(data))
	if err != nil {
		return err
	}
	mem.CopyFrom(unsafe.Pointer(&data[0]), int64(len(data)*8))
	return nil
}

// CopyFromDevice copies a pooled array back into host values
func (kr *Runner) CopyFromDevice(name string, data []float64) error {
	mem, err := kr.sized(name, len(data))
	if err != nil {
		return err
	}
	mem.CopyTo(unsafe.Pointer(&data[0]), int64(len(data)*8))
	return nil
}

func (kr *Runner) sized(name string, n int) (*gocca.OCCAMemory, error) {
	mem, ok := kr.PooledMemory[name]
	if !ok {
		return nil, fmt.Errorf("array %s not allocated", name)
	}
	if n == 0 || n != kr.arraySizes[name] {
		return nil, fmt.Errorf("array %s holds %d values, host has %d", name, kr.arraySizes[name], n)
	}
	return mem, nil
}

// RunKernel runs a registered kernel and waits for the device
func (kr *Runner) RunKernel(kernelName string, args ...interface{}) error {
	kernel, ok := kr.Kernels[kernelName]
	if !ok {
		return fmt.Errorf("kernel %s not compiled", kernelName)
	}
	if err := kernel.RunWithArgs(args...); err != nil {
		return fmt.Errorf("kernel %s execution failed: %w", kernelName, err)
	}
	kr.Device.Finish()
	return nil
}

// Free releases all resources
func (kr *Runner) Free() {
	for _, kernel := range kr.Kernels {
		kernel.Free()
	}
	for _, mem := range kr.PooledMemory {
		mem.Free()
	}
	kr.Kernels = make(map[string]*gocca.OCCAKernel)
	kr.PooledMemory = make(map[string]*gocca.OCCAMemory)
	kr.arraySizes = make(map[string]int)
}
