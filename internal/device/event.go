package device

import (
	"fmt"
	"time"
)

// Event types and subtypes pushed by the device.
const (
	TypeVisitor     = "visitor"
	SubtypeDetected = "detected"
	SubtypeCleared  = "cleared"
)

// Event is one decoded device event. The concrete types are
// VisitorDetected, VisitorCleared and Unknown.
type Event interface {
	fmt.Stringer
	isEvent()
}

// VisitorDetected reports a new visitor image stored on the device.
type VisitorDetected struct {
	Location  string
	Index     int
	Timestamp time.Time
	MediaKind string
	IsUnread  bool
}

// VisitorCleared reports that the visitor was acknowledged on the device.
type VisitorCleared struct{}

// Unknown is any event doorway does not act on.
type Unknown struct {
	Type    string
	Subtype string
}

func (VisitorDetected) isEvent() {}
func (VisitorCleared) isEvent()  {}
func (Unknown) isEvent()         {}

func (e VisitorDetected) String() string {
	return fmt.Sprintf("%s/%s index=%d location=%s", TypeVisitor, SubtypeDetected, e.Index, e.Location)
}

func (VisitorCleared) String() string {
	return TypeVisitor + "/" + SubtypeCleared
}

func (e Unknown) String() string {
	return e.Type + "/" + e.Subtype
}

// RawEvent is the wire form of an event.
type RawEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	Location  string `json:"location,omitempty"`
	Index     int    `json:"index,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix seconds
	MediaKind string `json:"media_kind,omitempty"`
	IsUnread  bool   `json:"is_unread,omitempty"`
}

// Decode maps a raw event onto its variant by (type, subtype).
func Decode(raw RawEvent) Event {
	switch {
	case raw.Type == TypeVisitor && raw.Subtype == SubtypeDetected:
		e := VisitorDetected{
			Location:  raw.Location,
			Index:     raw.Index,
			MediaKind: raw.MediaKind,
			IsUnread:  raw.IsUnread,
		}
		if raw.Timestamp > 0 {
			e.Timestamp = time.Unix(raw.Timestamp, 0)
		}
		return e
	case raw.Type == TypeVisitor && raw.Subtype == SubtypeCleared:
		return VisitorCleared{}
	default:
		return Unknown{Type: raw.Type, Subtype: raw.Subtype}
	}
}
