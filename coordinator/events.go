package coordinator

import (
	"time"

	"github.com/johnewart/go-tribes/cluster"
)

type EventType int

const (
	EventStart EventType = iota + 1
	EventMemberAdded
	EventMemberRemoved
	EventStartElection
	EventProcessElection
	EventMessageArrived
	EventPreMerge
	EventPostMerge
	EventWaitForMessage
	EventSendMessage
	EventStop
	EventConfirmationReceived
	EventElectionAbandoned
	EventViewInstalled
)

var eventNames = map[EventType]string{
	EventStart:                "START",
	EventMemberAdded:          "MEMBER_ADDED",
	EventMemberRemoved:        "MEMBER_REMOVED",
	EventStartElection:        "START_ELECTION",
	EventProcessElection:      "PROCESS_ELECTION",
	EventMessageArrived:       "MESSAGE_ARRIVED",
	EventPreMerge:             "PRE_MERGE",
	EventPostMerge:            "POST_MERGE",
	EventWaitForMessage:       "WAIT_FOR_MESSAGE",
	EventSendMessage:          "SEND_MESSAGE",
	EventStop:                 "STOP",
	EventConfirmationReceived: "CONFIRMATION_RECEIVED",
	EventElectionAbandoned:    "ELECTION_ABANDONED",
	EventViewInstalled:        "VIEW_INSTALLED",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// Event is one entry of the coordinator's event log.
type Event struct {
	Type   EventType
	Time   time.Time
	Member *cluster.Member
	Leader *cluster.Member
	View   []*cluster.Member
	ID     cluster.UniqueID
	Info   string
}

// EventListener is called on the coordinator goroutine and must not block.
type EventListener func(Event)

// eventLog keeps the most recent events.
type eventLog struct {
	events []Event
	size   int
	next   int
	full   bool
}

func newEventLog(size int) *eventLog {
	return &eventLog{events: make([]Event, size), size: size}
}

func (l *eventLog) add(e Event) {
	l.events[l.next] = e
	l.next = (l.next + 1) % l.size
	if l.next == 0 {
		l.full = true
	}
}

func (l *eventLog) snapshot() []Event {
	if !l.full {
		return append([]Event(nil), l.events[:l.next]...)
	}
	out := make([]Event, 0, l.size)
	out = append(out, l.events[l.next:]...)
	return append(out, l.events[:l.next]...)
}
