package tests

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whisperer/internal/analyzer"
	"whisperer/internal/usb"
)

// openAnalyzer opens attached hardware, skipping the test when none is
// present. These tests exercise the full control plane end to end.
func openAnalyzer(t *testing.T) *analyzer.Analyzer {
	t.Helper()
	device, err := analyzer.OpenFirst()
	if err != nil {
		t.Skipf("No analyzer hardware attached: %v", err)
	}
	t.Cleanup(func() { device.Close() })
	return device
}

func TestDeviceInfo(t *testing.T) {
	device := openAnalyzer(t)

	metadata := device.Metadata()
	assert.NotEmpty(t, metadata.IfaceDesc)
	assert.NotEmpty(t, metadata.IfaceHardware)
	assert.EqualValues(t, 0xFFFF, metadata.IfaceSnaplen)

	major, _ := device.ProtocolVersion()
	assert.EqualValues(t, 1, major)

	speeds := device.SupportedSpeeds()
	assert.NotEmpty(t, speeds, "device must support at least one speed")
}

func TestShortCapture(t *testing.T) {
	device := openAnalyzer(t)

	stream, err := device.StartCapture(usb.SpeedAuto, nil)
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, result := stream.PollNext(100 * time.Millisecond)
		if result == analyzer.PollEnded {
			t.Fatal("Stream ended before being stopped")
		}
	}

	require.NoError(t, stream.Stop())
	// Stop is idempotent.
	require.NoError(t, stream.Stop())

	_, result := stream.PollNext(10 * time.Millisecond)
	assert.Equal(t, analyzer.PollEnded, result)

	metadata := device.Metadata()
	assert.False(t, metadata.EndTime.IsZero(), "stop must finalize the end time")
}

func TestTriggerRoundTrip(t *testing.T) {
	device := openAnalyzer(t)

	caps, err := device.TriggerCaps()
	if err != nil {
		t.Skipf("Trigger engine unavailable: %v", err)
	}
	require.EqualValues(t, 68, caps.StagePayloadLen)

	stage := analyzer.TriggerStage{
		Offset:  0x1234,
		Length:  3,
		Pattern: []byte{0xDE, 0xAD, 0xBE},
		Mask:    []byte{0xFF, 0x00, 0xFF},
	}
	require.NoError(t, device.SetTriggerStage(0, stage))

	readBack, err := device.GetTriggerStage(0)
	require.NoError(t, err)
	assert.Equal(t, stage.Offset, readBack.Offset)
	assert.Equal(t, stage.Length, readBack.Length)
	assert.Equal(t, stage.Pattern, readBack.Pattern)
	assert.Equal(t, stage.Mask, readBack.Mask)
}
