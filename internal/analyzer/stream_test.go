package analyzer

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

// newTestStream builds a decoder fed directly through channels, with
// no device behind it.
func newTestStream(data chan []byte, reuse chan []byte) *CaptureStream {
	return &CaptureStream{
		dataRx:  data,
		reuseTx: reuse,
		stats:   &CaptureStats{},
	}
}

// packetFrame encodes one packet frame: length and cycle delta
// big-endian, payload, plus a pad byte when the length is odd.
func packetFrame(delta uint16, payload []byte) []byte {
	frame := make([]byte, 0, 4+len(payload)+1)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(payload)))
	frame = binary.BigEndian.AppendUint16(frame, delta)
	frame = append(frame, payload...)
	if len(payload)%2 == 1 {
		frame = append(frame, 0x00)
	}
	return frame
}

func eventFrame(code byte, delta uint16) []byte {
	frame := []byte{0xFF, code, 0, 0}
	binary.BigEndian.PutUint16(frame[2:4], delta)
	return frame
}

func (s *CaptureStream) feed(t *testing.T, chunk []byte) {
	t.Helper()
	s.buffer = append(s.buffer, chunk...)
}

func drain(s *CaptureStream) []TimestampedEvent {
	var events []TimestampedEvent
	for {
		event, ok := s.nextBufferedEvent()
		if !ok {
			return events
		}
		events = append(events, event)
	}
}

func TestDecodeEventFrame(t *testing.T) {
	s := newTestStream(nil, nil)
	s.feed(t, []byte{0xFF, 0x01, 0x00, 0x0A})

	event, ok := s.nextBufferedEvent()
	if !ok {
		t.Fatal("Expected an event")
	}
	if event.IsPacket() {
		t.Fatal("Expected a link event, got a packet")
	}
	if event.Event != EventSpeedDetected {
		t.Errorf("Expected SpeedDetected, got %s", event.Event)
	}
	if event.TimestampNs != 166 {
		t.Errorf("Expected timestamp 166, got %d", event.TimestampNs)
	}
	if len(s.buffer) != 0 {
		t.Errorf("Expected empty buffer, %d bytes left", len(s.buffer))
	}
	if s.paddingDue {
		t.Error("No padding should be due after an event frame")
	}
}

func TestDecodeOddLengthPacket(t *testing.T) {
	s := newTestStream(nil, nil)
	s.feed(t, []byte{0x00, 0x03, 0x00, 0x06, 0xE1, 0x00, 0x10, 0xAA})

	event, ok := s.nextBufferedEvent()
	if !ok {
		t.Fatal("Expected a packet")
	}
	if !event.IsPacket() {
		t.Fatal("Expected a packet, got a link event")
	}
	if event.TimestampNs != 100 {
		t.Errorf("Expected timestamp 100, got %d", event.TimestampNs)
	}
	if !bytes.Equal(event.Packet, []byte{0xE1, 0x00, 0x10}) {
		t.Errorf("Unexpected payload %x", event.Packet)
	}
	if !s.paddingDue {
		t.Fatal("Padding byte should be due after an odd-length packet")
	}

	// The pad byte is consumed on the next call.
	if _, ok := s.nextBufferedEvent(); ok {
		t.Fatal("No further event expected")
	}
	if s.paddingDue {
		t.Error("Padding flag should be cleared")
	}
	if len(s.buffer) != 0 {
		t.Errorf("Pad byte not consumed, %d bytes left", len(s.buffer))
	}
}

func TestDecodeUnknownEventCode(t *testing.T) {
	s := newTestStream(nil, nil)
	s.feed(t, eventFrame(0xEE, 30))
	s.feed(t, eventFrame(0x02, 30))

	event, ok := s.nextBufferedEvent()
	if !ok {
		t.Fatal("Expected the known event to be emitted")
	}
	if event.Event != EventSuspend {
		t.Errorf("Expected Suspend, got %s", event.Event)
	}
	// The unknown frame advanced the clock but emitted nothing.
	if event.TimestampNs != clkToNs(60) {
		t.Errorf("Expected timestamp %d, got %d", clkToNs(60), event.TimestampNs)
	}
	if s.stats.Snapshot().Dropped != 1 {
		t.Errorf("Expected 1 dropped frame, got %d", s.stats.Snapshot().Dropped)
	}
}

func TestDecodePartialHeader(t *testing.T) {
	s := newTestStream(nil, nil)
	s.feed(t, []byte{0x00, 0x02})
	if _, ok := s.nextBufferedEvent(); ok {
		t.Fatal("Incomplete header must not decode")
	}
	s.feed(t, []byte{0x00, 0x05, 0xAB, 0xCD})
	if _, ok := s.nextBufferedEvent(); ok {
		t.Fatal("Packet must not decode until lookahead byte arrives")
	}
	s.feed(t, eventFrame(0x04, 0))

	event, ok := s.nextBufferedEvent()
	if !ok {
		t.Fatal("Expected the packet")
	}
	if !bytes.Equal(event.Packet, []byte{0xAB, 0xCD}) {
		t.Errorf("Unexpected payload %x", event.Packet)
	}
	if event.TimestampNs != clkToNs(5) {
		t.Errorf("Expected timestamp %d, got %d", clkToNs(5), event.TimestampNs)
	}

	event, ok = s.nextBufferedEvent()
	if !ok || event.Event != EventReset {
		t.Fatal("Expected the trailing reset event")
	}
}

func TestTimestampsMonotonic(t *testing.T) {
	s := newTestStream(nil, nil)
	var stream []byte
	stream = append(stream, packetFrame(0xFFFF, []byte{0xD2})...)
	stream = append(stream, packetFrame(0xFFFF, []byte{0x5A})...)
	stream = append(stream, packetFrame(0x0000, []byte{0xD2})...)
	stream = append(stream, eventFrame(0x03, 0x0001)...)
	s.feed(t, stream)

	events := drain(s)
	if len(events) != 4 {
		t.Fatalf("Expected 4 events, got %d", len(events))
	}
	prev := uint64(0)
	for i, event := range events {
		if event.TimestampNs < prev {
			t.Errorf("Timestamp %d decreased: %d < %d", i, event.TimestampNs, prev)
		}
		prev = event.TimestampNs
	}
	// Two 16-bit deltas accumulate past the 16-bit range.
	if want := clkToNs(2 * 0xFFFF); events[1].TimestampNs != want {
		t.Errorf("Expected accumulated timestamp %d, got %d", want, events[1].TimestampNs)
	}
}

func TestFramingChunkIndependence(t *testing.T) {
	// A stream of mixed frames must decode identically no matter how
	// it is split across arriving buffers.
	var stream []byte
	stream = append(stream, packetFrame(10, []byte{0xA5, 0x12, 0x34})...)
	stream = append(stream, eventFrame(0x01, 20)...)
	stream = append(stream, packetFrame(7, []byte{0xC3, 0x01, 0x02, 0x03, 0x04, 0xAA, 0xBB})...)
	stream = append(stream, eventFrame(0xEE, 9)...) // unknown, dropped
	stream = append(stream, packetFrame(0, nil)...)
	stream = append(stream, packetFrame(3, []byte{0xD2})...)
	stream = append(stream, eventFrame(0x05, 1)...)

	var reference []TimestampedEvent
	for _, chunkSize := range []int{1, 2, 3, 5, 7, 16, len(stream)} {
		s := newTestStream(nil, nil)
		var events []TimestampedEvent
		for start := 0; start < len(stream); start += chunkSize {
			end := start + chunkSize
			if end > len(stream) {
				end = len(stream)
			}
			s.feed(t, stream[start:end])
			events = append(events, drain(s)...)
		}
		if reference == nil {
			reference = events
			continue
		}
		if len(events) != len(reference) {
			t.Fatalf("chunk size %d: got %d events, want %d", chunkSize, len(events), len(reference))
		}
		for i := range events {
			if events[i].TimestampNs != reference[i].TimestampNs ||
				events[i].Event != reference[i].Event ||
				!bytes.Equal(events[i].Packet, reference[i].Packet) {
				t.Errorf("chunk size %d: event %d differs: %+v vs %+v",
					chunkSize, i, events[i], reference[i])
			}
		}
	}
	if len(reference) != 6 {
		t.Errorf("Expected 6 emitted events, got %d", len(reference))
	}
}

func TestNextBlocksUntilData(t *testing.T) {
	data := make(chan []byte, numTransfers)
	reuse := make(chan []byte, numTransfers)
	s := newTestStream(data, reuse)

	go func() {
		data <- eventFrame(0x02, 42)
		close(data)
	}()

	event, ok := s.Next()
	if !ok {
		t.Fatal("Expected an event before the stream ended")
	}
	if event.Event != EventSuspend {
		t.Errorf("Expected Suspend, got %s", event.Event)
	}

	if _, ok := s.Next(); ok {
		t.Fatal("Expected the stream to end")
	}

	// The consumed buffer must have been recycled.
	select {
	case <-reuse:
	default:
		t.Error("Buffer was not returned on the reuse channel")
	}
}

func TestPollNextTimeoutAndEnded(t *testing.T) {
	data := make(chan []byte, numTransfers)
	s := newTestStream(data, make(chan []byte, numTransfers))

	if _, result := s.PollNext(10 * time.Millisecond); result != PollTimeout {
		t.Fatalf("Expected PollTimeout, got %v", result)
	}

	data <- eventFrame(0x03, 1)
	event, result := s.PollNext(time.Second)
	if result != PollEvent {
		t.Fatalf("Expected PollEvent, got %v", result)
	}
	if event.Event != EventResume {
		t.Errorf("Expected Resume, got %s", event.Event)
	}

	close(data)
	if _, result := s.PollNext(10 * time.Millisecond); result != PollEnded {
		t.Fatalf("Expected PollEnded, got %v", result)
	}
}

func TestStreamStats(t *testing.T) {
	s := newTestStream(nil, nil)
	s.feed(t, packetFrame(1, []byte{0xA5, 0x00, 0x10}))
	s.feed(t, eventFrame(0x01, 1))
	s.feed(t, eventFrame(0x7F, 1))
	s.feed(t, eventFrame(0x04, 1))
	drain(s)

	stats := s.Stats()
	if stats.Packets != 1 || stats.Bytes != 3 {
		t.Errorf("Expected 1 packet / 3 bytes, got %d / %d", stats.Packets, stats.Bytes)
	}
	if stats.Events != 2 {
		t.Errorf("Expected 2 events, got %d", stats.Events)
	}
	if stats.Dropped != 1 {
		t.Errorf("Expected 1 dropped, got %d", stats.Dropped)
	}
}
