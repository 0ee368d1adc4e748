package analyzer

import (
	"testing"

	"whisperer/internal/usb"
)

func TestStateBitAccessors(t *testing.T) {
	var state State

	state.SetEnable(true)
	if byte(state) != 0b0000_0001 {
		t.Errorf("Enable bit wrong: %08b", byte(state))
	}
	state.SetEnable(false)

	state.SetSpeed(usb.SpeedAuto)
	if byte(state) != 0b0000_0110 {
		t.Errorf("Speed bits wrong: %08b", byte(state))
	}
	if state.Speed() != usb.SpeedAuto {
		t.Errorf("Speed round trip failed: %s", state.Speed())
	}

	state.SetSpeed(usb.SpeedHigh)
	if state.Speed() != usb.SpeedHigh {
		t.Errorf("Speed round trip failed: %s", state.Speed())
	}

	state = 0
	state.SetTargetCVbusEn(true)
	state.SetPowerControlEnable(true)
	if byte(state) != 0b1000_1000 {
		t.Errorf("VBUS/power bits wrong: %08b", byte(state))
	}
	if !state.TargetCVbusEn() || !state.PowerControlEnable() {
		t.Error("Accessors disagree with set bits")
	}
}

func TestStateSpeedRoundTrip(t *testing.T) {
	for _, speed := range []usb.Speed{usb.SpeedHigh, usb.SpeedFull, usb.SpeedLow, usb.SpeedAuto} {
		var state State
		state.SetEnable(true)
		state.SetSpeed(speed)
		if state.Speed() != speed {
			t.Errorf("Speed %s did not round trip, got %s", speed, state.Speed())
		}
		if !state.Enable() {
			t.Errorf("SetSpeed(%s) clobbered the enable bit", speed)
		}
	}
}

func TestPowerRailExclusivity(t *testing.T) {
	// Switching sources must never leave two VBUS rails enabled.
	for index := uint8(0); index <= 2; index++ {
		for _, on := range []bool{true, false} {
			state := State(0)
			state.SetPowerControlEnable(true)
			state.SetTargetCVbusEn(true) // starting from source 0 on
			state.setPowerRails(index, on)

			railsOn := 0
			for _, enabled := range []bool{state.TargetCVbusEn(), state.ControlVbusEn(), state.AuxVbusEn()} {
				if enabled {
					railsOn++
				}
			}
			if railsOn > 1 {
				t.Errorf("index %d on %v: %d rails enabled", index, on, railsOn)
			}
			if on && railsOn != 1 {
				t.Errorf("index %d on: expected exactly one rail, got %d", index, railsOn)
			}
			if state.TargetADischarge() == on {
				t.Errorf("index %d: discharge must be the inverse of on", index)
			}
		}
	}
}

func TestPowerSwitchToAux(t *testing.T) {
	// From TARGET-C on, switching to AUX leaves only the AUX rail up.
	state := State(0)
	state.SetPowerControlEnable(true)
	state.setPowerRails(0, true)

	state.setPowerRails(2, true)
	if state.TargetCVbusEn() || state.ControlVbusEn() {
		t.Error("Old rails still enabled after switch")
	}
	if !state.AuxVbusEn() {
		t.Error("AUX rail not enabled")
	}
	if state.TargetADischarge() {
		t.Error("Discharge must be off while sourcing power")
	}
	if !state.PowerControlEnable() {
		t.Error("Power control enable must stay set")
	}
}

func TestTestConfigEncoding(t *testing.T) {
	if byte(newTestConfig(nil)) != 0 {
		t.Error("Disconnected test config must be zero")
	}

	speed := usb.SpeedFull
	config := newTestConfig(&speed)
	if !config.Connect() {
		t.Error("Connect bit not set")
	}
	if config.Speed() != usb.SpeedFull {
		t.Errorf("Speed wrong: %s", config.Speed())
	}
	if byte(config) != 0b0000_0011 {
		t.Errorf("Unexpected encoding: %08b", byte(config))
	}
}
