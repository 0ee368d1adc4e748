// internal/analyzer/device.go
// Vendor control plane for the USB protocol analyzer.
package analyzer

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/gousb"

	"whisperer/internal/usb"
)

const (
	// USB identity of the analyzer.
	VendorID  gousb.ID = 0x1d50
	ProductID gousb.ID = 0x615b

	ifaceClass    = 0xff
	ifaceSubclass = 0x10
	protocolMajor = 0x01

	// Bulk-IN capture endpoint and transfer pool geometry.
	captureEndpoint = 0x81
	readLen         = 0x4000
	numTransfers    = 4

	controlTimeout = 1 * time.Second

	// Vendor control request codes.
	requestGetState          = 0
	requestSetState          = 1
	requestGetSpeeds         = 2
	requestSetTestConfig     = 3
	requestGetMinorVersion   = 4
	requestGetTriggerCaps    = 5
	requestSetTriggerControl = 6
	requestSetTriggerStage   = 7
	requestGetTriggerStatus  = 9
	requestArmTrigger        = 10
	requestDisarmTrigger     = 11
	requestGetTriggerStage   = 12
)

// VBUS source labels by hardware revision. Revisions before r0.6 route
// the second rail to the host port.
var (
	powerSourcesModern = []string{"TARGET-C", "CONTROL", "AUX"}
	powerSourcesLegacy = []string{"TARGET-C", "HOST"}
)

// Handle is an open analyzer device. It owns one claimed vendor
// interface and the live copy of the device's state register. All
// control transfers serialize through its mutex; capture data never
// passes through it.
type Handle struct {
	mu         sync.Mutex
	dev        *gousb.Device
	cfg        *gousb.Config
	intf       *gousb.Interface
	intfNumber int
	state      State
	power      *PowerConfig

	speeds        []usb.Speed
	metadata      CaptureMetadata
	powerSources  []string
	protocolMinor uint8

	capture *CaptureStream
}

// openHandle scans the device's active configuration for the analyzer
// interface, claims it and performs the initial state, speed, version
// and power negotiation.
func openHandle(dev *gousb.Device) (*Handle, error) {
	if err := dev.SetAutoDetach(true); err != nil {
		log.Printf("Could not enable kernel driver auto-detach: %v", err)
	}
	dev.ControlTimeout = controlTimeout

	activeNum, err := dev.ActiveConfigNum()
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve active configuration: %w", err)
	}
	cfgDesc, ok := dev.Desc.Configs[activeNum]
	if !ok {
		return nil, fmt.Errorf("active configuration %d has no descriptor", activeNum)
	}

	for _, ifaceDesc := range cfgDesc.Interfaces {
		for _, alt := range ifaceDesc.AltSettings {
			if uint8(alt.Class) != ifaceClass || uint8(alt.SubClass) != ifaceSubclass {
				continue
			}

			// The protocol byte is the gateware's major version.
			switch {
			case alt.Protocol > protocolMajor:
				return nil, NewError(ErrCodeProtocolVersionMismatch,
					"analyzer gateware is newer than this driver supports",
					fmt.Sprintf("gateware v%d, driver v%d; please update this software",
						alt.Protocol, protocolMajor))
			case alt.Protocol < protocolMajor:
				return nil, NewError(ErrCodeProtocolVersionMismatch,
					"analyzer gateware is older than this driver supports",
					fmt.Sprintf("gateware v%d, driver v%d; please update the gateware",
						alt.Protocol, protocolMajor))
			}

			cfg, err := dev.Config(activeNum)
			if err != nil {
				return nil, fmt.Errorf("failed to set USB config: %w", err)
			}

			// Claiming with the alternate number also selects it when
			// it is not the default.
			intf, err := cfg.Interface(ifaceDesc.Number, alt.Alternate)
			if err != nil {
				cfg.Close()
				return nil, fmt.Errorf("failed to claim USB interface: %w", err)
			}

			h := &Handle{
				dev:        dev,
				cfg:        cfg,
				intf:       intf,
				intfNumber: ifaceDesc.Number,
			}
			if err := h.initialize(uint8(alt.Protocol)); err != nil {
				intf.Close()
				cfg.Close()
				return nil, err
			}
			return h, nil
		}
	}

	return nil, ErrNoCompatibleInterface
}

// initialize reads the device registers and negotiates the minor
// protocol version and power configuration.
func (h *Handle) initialize(protocol uint8) error {
	stateByte, err := h.readByte(requestGetState)
	if err != nil {
		return fmt.Errorf("failed to read device state: %w", err)
	}
	h.state = State(stateByte)

	speedByte, err := h.readByte(requestGetSpeeds)
	if err != nil {
		return fmt.Errorf("failed retrieving supported speeds from device: %w", err)
	}
	for _, speed := range []usb.Speed{usb.SpeedAuto, usb.SpeedHigh, usb.SpeedFull, usb.SpeedLow} {
		if speedByte&speed.Mask() != 0 {
			h.speeds = append(h.speeds, speed)
		}
	}

	// Older gateware does not implement this request at all.
	if minor, err := h.readByte(requestGetMinorVersion); err == nil {
		h.protocolMinor = minor
	} else {
		h.protocolMinor = 0
	}

	bcd := uint16(h.dev.Desc.Device)
	osDesc, hwDesc := hostDescription()
	h.metadata = CaptureMetadata{
		Application:   "whisperer",
		OS:            osDesc,
		Hardware:      hwDesc,
		IfaceDesc:     "Cynthion USB Analyzer",
		IfaceHardware: fmt.Sprintf("Cynthion r%d.%d", bcd>>8, byte(bcd)),
		IfaceOS:       fmt.Sprintf("USB Analyzer v%d.%d", protocol, h.protocolMinor),
		IfaceSnaplen:  0xFFFF,
	}

	// Power control exists from protocol v1.1 on.
	if protocol == 1 && h.protocolMinor < 1 {
		h.state.SetPowerControlEnable(false)
		h.power = nil
		h.powerSources = nil
		return nil
	}

	var sourceIndex uint8
	var onNow bool
	switch {
	case !h.state.PowerControlEnable():
		// Power control has not yet been set up; configure the
		// initial TARGET-C passthrough.
		h.state.SetPowerControlEnable(true)
		h.state.SetTargetCVbusEn(true)
		h.state.SetControlVbusEn(false)
		h.state.SetAuxVbusEn(false)
		h.state.SetTargetADischarge(false)
		sourceIndex, onNow = 0, true
	case h.state.TargetCVbusEn():
		sourceIndex, onNow = 0, true
	case h.state.ControlVbusEn():
		sourceIndex, onNow = 1, true
	case h.state.AuxVbusEn():
		sourceIndex, onNow = 2, true
	default:
		sourceIndex, onNow = 0, false
	}
	h.power = &PowerConfig{SourceIndex: sourceIndex, OnNow: onNow}

	if bcd >= 0x0006 {
		h.powerSources = powerSourcesModern
	} else {
		h.powerSources = powerSourcesLegacy
	}
	return nil
}

// SupportedSpeeds returns the speeds enumerated from the device's
// bitmap, in the order auto, high, full, low.
func (h *Handle) SupportedSpeeds() []usb.Speed {
	return h.speeds
}

// Metadata returns a copy of the capture metadata gathered so far.
func (h *Handle) Metadata() CaptureMetadata {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.metadata
}

// ProtocolVersion returns the negotiated gateware protocol version.
func (h *Handle) ProtocolVersion() (major, minor uint8) {
	return protocolMajor, h.protocolMinor
}

// PowerSources returns the VBUS source labels, or nil when the
// gateware does not support power control.
func (h *Handle) PowerSources() []string {
	return h.powerSources
}

// PowerConfig returns the current power configuration, or nil when
// power control is unsupported.
func (h *Handle) PowerConfig() *PowerConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.power == nil {
		return nil
	}
	power := *h.power
	return &power
}

// SetPowerConfig selects the sourced VBUS rail. At most one rail is
// enabled at a time; turning power off engages the TARGET-A discharge.
func (h *Handle) SetPowerConfig(power PowerConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.power == nil {
		return ErrPowerUnsupported
	}
	if int(power.SourceIndex) >= len(h.powerSources) {
		return NewError(ErrCodeInvalidArgument, "power source index out of range",
			fmt.Sprintf("index %d, %d sources available", power.SourceIndex, len(h.powerSources)))
	}
	h.state.SetPowerControlEnable(true)
	h.state.setPowerRails(power.SourceIndex, power.OnNow)
	h.power = &power
	return h.writeRequest(requestSetState, byte(h.state))
}

// SetTestConfig configures the analyzer's built-in test device. A nil
// speed disconnects it.
func (h *Handle) SetTestConfig(speed *usb.Speed) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	config := newTestConfig(speed)
	if err := h.writeRequest(requestSetTestConfig, byte(config)); err != nil {
		return fmt.Errorf("failed to set test device configuration: %w", err)
	}
	return nil
}

// startCaptureLocked arms the capture in the state register. The
// caller holds the device mutex.
func (h *Handle) startCaptureLocked(speed usb.Speed) error {
	h.state.SetSpeed(speed)
	h.state.SetEnable(true)
	if h.power != nil && h.power.StartOn {
		h.state.setPowerRails(h.power.SourceIndex, true)
		h.power.OnNow = true
	}
	return h.writeRequest(requestSetState, byte(h.state))
}

// stopCaptureLocked clears the capture enable and applies any
// configured stop-off power change. The caller holds the device mutex.
func (h *Handle) stopCaptureLocked() error {
	h.state.SetEnable(false)
	if h.power != nil && h.power.StopOff {
		h.state.SetTargetCVbusEn(false)
		h.state.SetControlVbusEn(false)
		h.state.SetAuxVbusEn(false)
		h.state.SetTargetADischarge(true)
		h.power.OnNow = false
	}
	return h.writeRequest(requestSetState, byte(h.state))
}

func (h *Handle) ensureTriggerSupported() error {
	if h.protocolMinor < 2 {
		return ErrTriggerUnsupported
	}
	return nil
}

// TriggerCaps reads the trigger engine capabilities.
func (h *Handle) TriggerCaps() (TriggerCaps, error) {
	if err := h.ensureTriggerSupported(); err != nil {
		return TriggerCaps{}, err
	}
	h.mu.Lock()
	data, err := h.readRequest(requestGetTriggerCaps, 0, 64)
	h.mu.Unlock()
	if err != nil {
		return TriggerCaps{}, fmt.Errorf("failed to read trigger capabilities: %w", err)
	}
	return parseTriggerCaps(data)
}

// SetTriggerControl enables or disables the trigger engine, clamping
// the stage count to the device's capabilities.
func (h *Handle) SetTriggerControl(control TriggerControl) error {
	caps, err := h.TriggerCaps()
	if err != nil {
		return err
	}
	payload := encodeTriggerControl(control, caps.MaxStages)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.writeRequestWithData(requestSetTriggerControl, 0, payload[:]); err != nil {
		return fmt.Errorf("failed to set trigger control: %w", err)
	}
	return nil
}

// SetTriggerStage programs one stage of the match sequence.
func (h *Handle) SetTriggerStage(stageIndex uint8, stage TriggerStage) error {
	caps, err := h.TriggerCaps()
	if err != nil {
		return err
	}
	if stageIndex >= caps.MaxStages {
		return NewError(ErrCodeInvalidArgument, "stage index exceeds supported stage count",
			fmt.Sprintf("index %d, %d stages supported", stageIndex, caps.MaxStages))
	}
	payload, err := encodeTriggerStage(stage, caps.MaxPatternLen)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.writeRequestWithData(requestSetTriggerStage, uint16(stageIndex), payload[:]); err != nil {
		return fmt.Errorf("failed to set trigger stage %d: %w", stageIndex, err)
	}
	return nil
}

// GetTriggerStage reads back one programmed stage.
func (h *Handle) GetTriggerStage(stageIndex uint8) (TriggerStage, error) {
	if err := h.ensureTriggerSupported(); err != nil {
		return TriggerStage{}, err
	}
	h.mu.Lock()
	data, err := h.readRequest(requestGetTriggerStage, uint16(stageIndex), 256)
	h.mu.Unlock()
	if err != nil {
		return TriggerStage{}, fmt.Errorf("failed to read trigger stage %d: %w", stageIndex, err)
	}
	return decodeTriggerStage(data)
}

// TriggerStatus reads the trigger engine's live state.
func (h *Handle) TriggerStatus() (TriggerStatus, error) {
	if err := h.ensureTriggerSupported(); err != nil {
		return TriggerStatus{}, err
	}
	h.mu.Lock()
	data, err := h.readRequest(requestGetTriggerStatus, 0, 64)
	h.mu.Unlock()
	if err != nil {
		return TriggerStatus{}, fmt.Errorf("failed to read trigger status: %w", err)
	}
	return parseTriggerStatus(data)
}

// ArmTrigger arms the match sequence.
func (h *Handle) ArmTrigger() error {
	if err := h.ensureTriggerSupported(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.writeRequestWithData(requestArmTrigger, 0, nil); err != nil {
		return fmt.Errorf("failed to arm trigger: %w", err)
	}
	return nil
}

// DisarmTrigger disarms the match sequence.
func (h *Handle) DisarmTrigger() error {
	if err := h.ensureTriggerSupported(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.writeRequestWithData(requestDisarmTrigger, 0, nil); err != nil {
		return fmt.Errorf("failed to disarm trigger: %w", err)
	}
	return nil
}

// close stops any running capture and releases the claimed interface.
func (h *Handle) close() error {
	h.mu.Lock()
	capture := h.capture
	h.mu.Unlock()
	if capture != nil {
		if err := capture.Stop(); err != nil {
			log.Printf("Stopping capture on close: %v", err)
		}
	}

	if h.intf != nil {
		h.intf.Close()
		h.intf = nil
	}
	if h.cfg != nil {
		h.cfg.Close()
		h.cfg = nil
	}
	return nil
}

// writeRequest issues a vendor control write carrying a single
// register byte in the value field.
func (h *Handle) writeRequest(request uint8, value uint8) error {
	return h.writeRequestWithData(request, uint16(value), nil)
}

func (h *Handle) writeRequestWithData(request uint8, value uint16, data []byte) error {
	_, err := h.dev.Control(
		gousb.ControlOut|gousb.ControlVendor|gousb.ControlInterface,
		request, value, uint16(h.intfNumber), data)
	if err != nil {
		return NewError(ErrCodeControlTransferFailed,
			fmt.Sprintf("write request %d failed", request), err.Error())
	}
	return nil
}

func (h *Handle) readRequest(request uint8, value uint16, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := h.dev.Control(
		gousb.ControlIn|gousb.ControlVendor|gousb.ControlInterface,
		request, value, uint16(h.intfNumber), buf)
	if err != nil {
		return nil, NewError(ErrCodeControlTransferFailed,
			fmt.Sprintf("read request %d failed", request), err.Error())
	}
	return buf[:n], nil
}

// readByte issues a vendor control read expecting a one-byte response.
func (h *Handle) readByte(request uint8) (byte, error) {
	data, err := h.readRequest(request, 0, 64)
	if err != nil {
		return 0, err
	}
	if len(data) != 1 {
		return 0, NewError(ErrCodeUnexpectedPayloadLength,
			"expected 1-byte response", fmt.Sprintf("got %d bytes", len(data)))
	}
	return data[0], nil
}
