package ui

import (
	"strings"
	"testing"

	"whisperer/internal/analyzer"
)

func TestFormatEventPacketLine(t *testing.T) {
	m := NewModel(nil, nil, false)

	line, show := m.formatEvent(analyzer.TimestampedEvent{
		TimestampNs: 1_000_000_000,
		Packet:      []byte{0x69, 0x00, 0x10},
	})
	if !show {
		t.Fatal("Packet should be shown without a filter")
	}
	if !strings.Contains(line, "IN") {
		t.Errorf("Expected PID name in line: %q", line)
	}
	if !strings.Contains(line, "69 00 10") {
		t.Errorf("Expected hex dump in line: %q", line)
	}
	if !strings.Contains(line, "1.000000") {
		t.Errorf("Expected timestamp in seconds: %q", line)
	}
}

func TestFormatEventMarksInvalidPackets(t *testing.T) {
	m := NewModel(nil, nil, false)

	line, _ := m.formatEvent(analyzer.TimestampedEvent{
		Packet: []byte{0x69, 0x00, 0x18},
	})
	if !strings.Contains(line, "IN!") {
		t.Errorf("Expected validation marker in line: %q", line)
	}
}

func TestTokenFilterPassesEverythingUntilFirstToken(t *testing.T) {
	m := NewModel(nil, nil, true)

	// Before any token is seen, non-token packets pass through.
	_, show := m.formatEvent(analyzer.TimestampedEvent{Packet: []byte{0xD2}})
	if !show {
		t.Error("Handshake should pass before the first token")
	}

	// A valid token switches the filter on.
	_, show = m.formatEvent(analyzer.TimestampedEvent{Packet: []byte{0x69, 0x00, 0x10}})
	if !show {
		t.Error("Token must always be shown")
	}
	if !m.tokenSeen {
		t.Fatal("Token was not recorded")
	}

	_, show = m.formatEvent(analyzer.TimestampedEvent{Packet: []byte{0xD2}})
	if show {
		t.Error("Handshake should be filtered after a token was seen")
	}
}

func TestAppendEventBoundsHistory(t *testing.T) {
	m := NewModel(nil, nil, false)
	m.ready = true
	m.viewport.Width = 80
	m.viewport.Height = 24

	for i := 0; i < maxLines+50; i++ {
		m.appendEvent(analyzer.TimestampedEvent{Packet: []byte{0xD2}})
	}
	if len(m.lines) != maxLines {
		t.Errorf("Expected history capped at %d lines, got %d", maxLines, len(m.lines))
	}
}
