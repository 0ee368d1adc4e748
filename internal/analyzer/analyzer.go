// internal/analyzer/analyzer.go
// Public entry points for opening and driving an analyzer device.
package analyzer

import (
	"github.com/google/gousb"

	"whisperer/internal/usb"
)

// Analyzer is an open analyzer device. It wraps the device handle and,
// when opened via OpenFirst, the owned USB context.
type Analyzer struct {
	ctx     *gousb.Context
	ownsCtx bool
	handle  *Handle
}

// OpenFirst opens the first attached analyzer device.
func OpenFirst() (*Analyzer, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(VendorID, ProductID)
	if err != nil {
		ctx.Close()
		return nil, NewError(ErrCodeOpenFailed, "failed to open USB device", err.Error())
	}
	if dev == nil {
		ctx.Close()
		return nil, ErrDeviceNotFound
	}

	handle, err := openHandle(dev)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, err
	}

	return &Analyzer{ctx: ctx, ownsCtx: true, handle: handle}, nil
}

// Open opens a specific, already located device. The caller keeps
// ownership of the context the device came from.
func Open(dev *gousb.Device) (*Analyzer, error) {
	handle, err := openHandle(dev)
	if err != nil {
		return nil, err
	}
	return &Analyzer{handle: handle}, nil
}

// Close stops any running capture and releases the interface, device
// and (when owned) the USB context.
func (a *Analyzer) Close() error {
	err := a.handle.close()
	if a.handle.dev != nil {
		a.handle.dev.Close()
		a.handle.dev = nil
	}
	if a.ownsCtx && a.ctx != nil {
		a.ctx.Close()
		a.ctx = nil
	}
	return err
}

// Handle exposes the device handle for sharing across goroutines.
func (a *Analyzer) Handle() *Handle {
	return a.handle
}

func (a *Analyzer) SupportedSpeeds() []usb.Speed {
	return a.handle.SupportedSpeeds()
}

func (a *Analyzer) Metadata() CaptureMetadata {
	return a.handle.Metadata()
}

func (a *Analyzer) ProtocolVersion() (major, minor uint8) {
	return a.handle.ProtocolVersion()
}

func (a *Analyzer) PowerSources() []string {
	return a.handle.PowerSources()
}

func (a *Analyzer) PowerConfig() *PowerConfig {
	return a.handle.PowerConfig()
}

func (a *Analyzer) SetPowerConfig(power PowerConfig) error {
	return a.handle.SetPowerConfig(power)
}

func (a *Analyzer) SetTestConfig(speed *usb.Speed) error {
	return a.handle.SetTestConfig(speed)
}

func (a *Analyzer) TriggerCaps() (TriggerCaps, error) {
	return a.handle.TriggerCaps()
}

func (a *Analyzer) SetTriggerControl(control TriggerControl) error {
	return a.handle.SetTriggerControl(control)
}

func (a *Analyzer) SetTriggerStage(stageIndex uint8, stage TriggerStage) error {
	return a.handle.SetTriggerStage(stageIndex, stage)
}

func (a *Analyzer) GetTriggerStage(stageIndex uint8) (TriggerStage, error) {
	return a.handle.GetTriggerStage(stageIndex)
}

func (a *Analyzer) TriggerStatus() (TriggerStatus, error) {
	return a.handle.TriggerStatus()
}

func (a *Analyzer) ArmTrigger() error {
	return a.handle.ArmTrigger()
}

func (a *Analyzer) DisarmTrigger() error {
	return a.handle.DisarmTrigger()
}

// StartCapture begins streaming at the given speed. See
// Handle.StartCapture.
func (a *Analyzer) StartCapture(speed usb.Speed, errorCallback func(error)) (*CaptureStream, error) {
	return a.handle.StartCapture(speed, errorCallback)
}
