package gpu

import (
	"sync"

	"codeberg.org/mutker/perfcollect/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// Sample is one reading of a GPU.
type Sample struct {
	TemperatureC   uint32
	PowerMilliWatt uint32
	UtilizationPct uint32
}

// Backend abstracts NVML so the collector can be tested without a GPU.
type Backend interface {
	Initialize() error
	Shutdown() error
	DeviceCount() (int, error)
	Sample(index int) (Sample, error)
}

// NVML returns the Backend backed by the NVIDIA management library.
func NVML() Backend {
	return &nvmlWrapper{}
}

type nvmlWrapper struct {
	mu          sync.Mutex
	initialized bool
	devices     map[int]nvml.Device
}

func (w *nvmlWrapper) Initialize() error {
	errFactory := errors.New()
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.initialized {
		return nil
	}

	ret := nvml.Init()
	if !IsNVMLSuccess(ret) {
		return errFactory.Wrap(ErrInitFailed, newNVMLError(ret))
	}

	w.initialized = true
	w.devices = make(map[int]nvml.Device)

	return nil
}

func (w *nvmlWrapper) Shutdown() error {
	errFactory := errors.New()
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.initialized {
		return nil
	}

	ret := nvml.Shutdown()
	if !IsNVMLSuccess(ret) {
		return errFactory.Wrap(ErrShutdownFailed, newNVMLError(ret))
	}

	w.initialized = false
	w.devices = nil

	return nil
}

func (w *nvmlWrapper) DeviceCount() (int, error) {
	errFactory := errors.New()
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.initialized {
		return 0, errFactory.New(ErrNotInitialized)
	}

	count, ret := nvml.DeviceGetCount()
	if !IsNVMLSuccess(ret) {
		return 0, errFactory.Wrap(ErrDeviceCountFailed, newNVMLError(ret))
	}

	return count, nil
}

func (w *nvmlWrapper) device(index int) (nvml.Device, error) {
	errFactory := errors.New()
	if !w.initialized {
		return nil, errFactory.New(ErrNotInitialized)
	}

	if device, ok := w.devices[index]; ok {
		return device, nil
	}

	device, ret := nvml.DeviceGetHandleByIndex(index)
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrDeviceNotFound, newNVMLError(ret))
	}
	w.devices[index] = device

	return device, nil
}

func (w *nvmlWrapper) Sample(index int) (Sample, error) {
	errFactory := errors.New()
	w.mu.Lock()
	defer w.mu.Unlock()

	device, err := w.device(index)
	if err != nil {
		return Sample{}, err
	}

	temp, ret := device.GetTemperature(nvml.TEMPERATURE_GPU)
	if !IsNVMLSuccess(ret) {
		return Sample{}, errFactory.Wrap(ErrTemperatureReadFailed, newNVMLError(ret))
	}

	power, ret := device.GetPowerUsage()
	if !IsNVMLSuccess(ret) {
		return Sample{}, errFactory.Wrap(ErrPowerReadFailed, newNVMLError(ret))
	}

	util, ret := device.GetUtilizationRates()
	if !IsNVMLSuccess(ret) {
		return Sample{}, errFactory.Wrap(ErrUtilizationFailed, newNVMLError(ret))
	}

	return Sample{
		TemperatureC:   temp,
		PowerMilliWatt: power,
		UtilizationPct: util.Gpu,
	}, nil
}
