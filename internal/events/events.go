// Package events defines the messages exchanged between the submission path
// and the background consumers, plus the transports that carry them.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/scrapeq/internal/jobs"
)

// Kind tags the payload carried by a Message.
type Kind string

// Message kinds.
const (
	KindDeliver Kind = "deliver"
	KindParse   Kind = "parse"
)

// Deliver asks the delivery worker to notify the job's consumer.
type Deliver struct {
	JobID string     `json:"job_id"`
	Phase jobs.Phase `json:"phase"`
}

// Parse asks the parser collaborator to process the job's raw content.
type Parse struct {
	JobID string `json:"job_id"`
}

// Message is a tagged union: exactly one payload matching Kind is set.
type Message struct {
	Kind    Kind     `json:"kind"`
	Deliver *Deliver `json:"deliver,omitempty"`
	Parse   *Parse   `json:"parse,omitempty"`
}

// NewDeliver builds a deliver message.
func NewDeliver(jobID string, phase jobs.Phase) Message {
	return Message{Kind: KindDeliver, Deliver: &Deliver{JobID: jobID, Phase: phase}}
}

// NewParse builds a parse message.
func NewParse(jobID string) Message {
	return Message{Kind: KindParse, Parse: &Parse{JobID: jobID}}
}

// JobID returns the job the message concerns.
func (m Message) JobID() string {
	switch {
	case m.Deliver != nil:
		return m.Deliver.JobID
	case m.Parse != nil:
		return m.Parse.JobID
	default:
		return ""
	}
}

// Validate checks that the payload matches the kind.
func (m Message) Validate() error {
	switch m.Kind {
	case KindDeliver:
		if m.Deliver == nil || m.Parse != nil {
			return errors.New("deliver message requires only a deliver payload")
		}
		if m.Deliver.JobID == "" {
			return errors.New("deliver message requires job_id")
		}
		if !m.Deliver.Phase.Valid() {
			return fmt.Errorf("deliver message has unknown phase %q", m.Deliver.Phase)
		}
	case KindParse:
		if m.Parse == nil || m.Deliver != nil {
			return errors.New("parse message requires only a parse payload")
		}
		if m.Parse.JobID == "" {
			return errors.New("parse message requires job_id")
		}
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	return nil
}

// Encode validates and serializes m.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode parses and validates a serialized message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Handler processes one message. A non-nil error asks the transport to redeliver.
type Handler func(ctx context.Context, m Message) error

// Publisher sends messages to consumers.
type Publisher interface {
	Publish(ctx context.Context, m Message) error
	Close() error
}

// Subscriber feeds messages to a handler until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, h Handler) error
}

// Transport is a Publisher that can also be consumed.
type Transport interface {
	Publisher
	Subscriber
}
