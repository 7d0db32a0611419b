package device

import (
	"fmt"
	"os"

	"github.com/frank-ceva/npm-emu/internal/logger"
)

// Runtime device selection.
const (
	KindMock     = "mock"
	KindEmulator = "emulator"
	KindHardware = "hardware"

	EnvDevice = "NPM_DEVICE"
	EnvSocket = "NPM_EMULATOR_SOCKET"
	EnvDebug  = "NPM_DEBUG"
)

// New creates and initialises a device of the given kind. A failed Init
// leaves nothing behind; the error tells the caller (typically the graph
// runtime) to fall back to CPU execution.
func New(kind string, log logger.Logger, opts ...ClientOption) (Device, error) {
	var dev Device
	switch kind {
	case KindMock:
		dev = NewMock(log)
	case KindEmulator:
		dev = NewClient(log, opts...)
	case KindHardware:
		return nil, fmt.Errorf("device: hardware support not built in (NPM SDK required)")
	default:
		return nil, fmt.Errorf("device: unknown kind %q (valid: mock, emulator, hardware)", kind)
	}
	if err := dev.Init(0); err != nil {
		return nil, err
	}
	log.Info("NPM device initialised", "kind", kind, "sku", dev.SKU())
	return dev, nil
}

// FromEnv selects the device kind from NPM_DEVICE, defaulting to mock.
func FromEnv(log logger.Logger) (Device, error) {
	kind := os.Getenv(EnvDevice)
	if kind == "" {
		kind = KindMock
	}
	return New(kind, log)
}
