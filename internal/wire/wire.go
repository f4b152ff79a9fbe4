// Package wire defines the closed set of events exchanged over the bus.
//
// Every frame is an Envelope whose Type picks exactly one payload struct.
// Decode validates the payload before handing it out, so a fold never sees
// a half-formed event.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Kind string

const (
	// status topic
	KindJoined    Kind = "JOINED"
	KindModified  Kind = "MODIFIED"
	KindCancelled Kind = "CANCELLED"
	KindWaiting   Kind = "WAITING"
	KindComplete  Kind = "COMPLETE"

	// next-match topic
	KindNextMatch Kind = "NEXT_MATCH"

	// ingestion topics
	KindSubmit Kind = "SUBMIT"
	KindJoin   Kind = "JOIN"
	KindModify Kind = "MODIFY"
)

const (
	TopicStatus    = "status"
	TopicNextMatch = "next-match"
	TopicSubmit    = "submit"
	TopicJoin      = "join"
	TopicModify    = "modify"
)

// BroadcastTopics fan out from the server to every participant.
var BroadcastTopics = []string{TopicStatus, TopicNextMatch}

// IngestTopics flow from one participant to the server only.
var IngestTopics = []string{TopicSubmit, TopicJoin, TopicModify}

var (
	ErrUnknownKind = errors.New("wire: unknown event kind")
	ErrMalformed   = errors.New("wire: malformed payload")
)

type Envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Event is implemented only by the payload types of this package.
type Event interface {
	Kind() Kind
	Validate() error
	isEvent()
}

// TopicOf returns the bus topic an event kind travels on.
func TopicOf(k Kind) (string, bool) {
	switch k {
	case KindJoined, KindModified, KindCancelled, KindWaiting, KindComplete:
		return TopicStatus, true
	case KindNextMatch:
		return TopicNextMatch, true
	case KindSubmit:
		return TopicSubmit, true
	case KindJoin:
		return TopicJoin, true
	case KindModify:
		return TopicModify, true
	}
	return "", false
}

func Encode(ev Event) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}
	p, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}
	return json.Marshal(Envelope{Type: ev.Kind(), Payload: p})
}

// Decode parses one frame. Unknown kinds yield ErrUnknownKind and should be
// ignored; anything else that fails yields ErrMalformed.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}

	ev := newEvent(env.Type)
	if ev == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: %s: empty payload", ErrMalformed, env.Type)
	}
	if err := json.Unmarshal(env.Payload, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return deref(ev), nil
}

func newEvent(k Kind) Event {
	switch k {
	case KindJoined:
		return &Joined{}
	case KindModified:
		return &Modified{}
	case KindCancelled:
		return &Cancelled{}
	case KindWaiting:
		return &Waiting{}
	case KindComplete:
		return &Complete{}
	case KindNextMatch:
		return &NextMatch{}
	case KindSubmit:
		return &Submit{}
	case KindJoin:
		return &Join{}
	case KindModify:
		return &Modify{}
	}
	return nil
}

// deref hands out value types so consumers can type-switch on them.
func deref(ev Event) Event {
	switch e := ev.(type) {
	case *Joined:
		return *e
	case *Modified:
		return *e
	case *Cancelled:
		return *e
	case *Waiting:
		return *e
	case *Complete:
		return *e
	case *NextMatch:
		return *e
	case *Submit:
		return *e
	case *Join:
		return *e
	case *Modify:
		return *e
	}
	return ev
}
