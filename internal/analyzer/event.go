package analyzer

// EventType identifies a link event reported by the analyzer in an
// event frame. The code set grows with gateware releases; unknown
// codes are dropped by the decoder rather than surfaced as errors.
type EventType byte

const (
	EventSpeedDetected EventType = 0x01
	EventSuspend       EventType = 0x02
	EventResume        EventType = 0x03
	EventReset         EventType = 0x04
	EventDisconnect    EventType = 0x05
	EventVbusDetected  EventType = 0x06
	EventVbusRemoved   EventType = 0x07
)

var eventTypeNames = map[EventType]string{
	EventSpeedDetected: "SpeedDetected",
	EventSuspend:       "Suspend",
	EventResume:        "Resume",
	EventReset:         "Reset",
	EventDisconnect:    "Disconnect",
	EventVbusDetected:  "VbusDetected",
	EventVbusRemoved:   "VbusRemoved",
}

// eventTypeFromCode looks up a link event code. The second return is
// false for codes this version does not know about.
func eventTypeFromCode(code byte) (EventType, bool) {
	et := EventType(code)
	_, ok := eventTypeNames[et]
	return et, ok
}

func (e EventType) String() string {
	if name, ok := eventTypeNames[e]; ok {
		return name
	}
	return "Unknown"
}
