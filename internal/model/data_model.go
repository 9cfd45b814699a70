package model

import "fmt"

type OpsType byte

const (
	CREATE OpsType = iota
	UPDATE
	REMOVE
)

func (o OpsType) String() string {
	switch o {
	case CREATE:
		return "create"
	case UPDATE:
		return "update"
	case REMOVE:
		return "remove"
	default:
		return fmt.Sprintf("op(%d)", byte(o))
	}
}

// Valid reports whether o is one of the journaled operations.
func (o OpsType) Valid() bool {
	return o == CREATE || o == UPDATE || o == REMOVE
}

// Entry is one claim: the owner of Key and the sequence recorded at its
// creation or last update.
type Entry struct {
	Key      []byte
	Owner    string
	Sequence uint64
}

// Mutation is an accepted state change as written to a journal. LSN is
// assigned by the commit log and is unrelated to Sequence.
type Mutation struct {
	LSN      uint64
	Op       OpsType
	Key      []byte
	Owner    string
	Sequence uint64
}

type EventKind string

const (
	EventCreated EventKind = "created"
	EventRead    EventKind = "read"
	EventUpdated EventKind = "updated"
	EventRemoved EventKind = "removed"
)

// Event is the notification emitted after an accepted operation.
// Read events carry no key.
type Event struct {
	Kind   EventKind
	Caller string
	Key    []byte
}

func (e Event) String() string {
	if e.Key == nil {
		return fmt.Sprintf("%s(%s)", e.Kind, e.Caller)
	}
	return fmt.Sprintf("%s(%s, %q)", e.Kind, e.Caller, e.Key)
}
