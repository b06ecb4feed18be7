// Package events defines the typed event stream emitted by evaluation runs
// and optimization studies, plus the watermill plumbing that carries it.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// Evaluation run lifecycle.
	EventTypeRunStart  EventType = "run-start"
	EventTypeItemDone  EventType = "item-done"
	EventTypeRunDone   EventType = "run-done"
	EventTypeError     EventType = "error"
	EventTypeInterrupt EventType = "interrupt"

	// Optimization study lifecycle.
	EventTypeTrialStart EventType = "trial-start"
	EventTypeTrialDone  EventType = "trial-done"
	EventTypeStudyBest  EventType = "study-best"
)

// Default topics used by the CLI; library callers can publish anywhere.
const (
	TopicEvals = "cricket.evals"
	TopicStudy = "cricket.study"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

// EventMetadata travels with every watermill message and correlates events to
// their run, study and trial.
type EventMetadata struct {
	ID        uuid.UUID      `json:"message_id" yaml:"message_id"`
	RunID     string         `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	StudyName string         `json:"study_name,omitempty" yaml:"study_name,omitempty"`
	TrialID   int64          `json:"trial_id,omitempty" yaml:"trial_id,omitempty"`
	Extra     map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("message_id", em.ID.String())
	if em.RunID != "" {
		e.Str("run_id", em.RunID)
	}
	if em.StudyName != "" {
		e.Str("study_name", em.StudyName)
	}
	if em.TrialID != 0 {
		e.Int64("trial_id", em.TrialID)
	}
	if len(em.Extra) > 0 {
		e.Dict("extra", zerolog.Dict().Fields(em.Extra))
	}
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Error_    error         `json:"error,omitempty"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// raw JSON, set when the event was deserialized (see NewEventFromJson)
	payload []byte
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Error() error {
	return e.Error_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

// SetPayload stores the raw JSON payload on the event implementation.
func (e *EventImpl) SetPayload(b []byte) {
	e.payload = b
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	if e.Error_ != nil {
		ev.Err(e.Error_)
	}
	ev.Object("meta", e.Metadata_)
}

var _ Event = &EventImpl{}

// EventRunStart announces that dispatch over a dataset is about to begin.
type EventRunStart struct {
	EventImpl
	Total       int    `json:"total"`
	Concurrency int    `json:"concurrency"`
	Mode        string `json:"mode"`
}

func NewRunStartEvent(metadata EventMetadata, total, concurrency int, mode string) *EventRunStart {
	return &EventRunStart{
		EventImpl:   EventImpl{Type_: EventTypeRunStart, Metadata_: metadata},
		Total:       total,
		Concurrency: concurrency,
		Mode:        mode,
	}
}

var _ Event = &EventRunStart{}

// EventItemDone carries one completed item together with the running tally,
// emitted in completion order.
type EventItemDone struct {
	EventImpl
	Index   int     `json:"index"`
	Score   float64 `json:"score"`
	Correct float64 `json:"correct"`
	Total   int     `json:"total"`
}

func NewItemDoneEvent(metadata EventMetadata, index int, score, correct float64, total int) *EventItemDone {
	return &EventItemDone{
		EventImpl: EventImpl{Type_: EventTypeItemDone, Metadata_: metadata},
		Index:     index,
		Score:     score,
		Correct:   correct,
		Total:     total,
	}
}

var _ Event = &EventItemDone{}

type EventRunDone struct {
	EventImpl
	NCorrect float64 `json:"ncorrect"`
	NTotal   int     `json:"ntotal"`
	Average  float64 `json:"average"`
}

func NewRunDoneEvent(metadata EventMetadata, ncorrect float64, ntotal int, average float64) *EventRunDone {
	return &EventRunDone{
		EventImpl: EventImpl{Type_: EventTypeRunDone, Metadata_: metadata},
		NCorrect:  ncorrect,
		NTotal:    ntotal,
		Average:   average,
	}
}

var _ Event = &EventRunDone{}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: err.Error(),
	}
}

var _ Event = &EventError{}

// EventInterrupt signals that the cancellation flag was set; Completed counts
// items that finished before the flag tripped.
type EventInterrupt struct {
	EventImpl
	Completed int `json:"completed"`
}

func NewInterruptEvent(metadata EventMetadata, completed int) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{Type_: EventTypeInterrupt, Metadata_: metadata},
		Completed: completed,
	}
}

var _ Event = &EventInterrupt{}

type EventTrialStart struct {
	EventImpl
	TrialID     int64 `json:"trial_id"`
	Instruction int   `json:"instruction"`
	Fewshot     int   `json:"fewshot"`
}

func NewTrialStartEvent(metadata EventMetadata, trialID int64, instruction, fewshot int) *EventTrialStart {
	return &EventTrialStart{
		EventImpl:   EventImpl{Type_: EventTypeTrialStart, Metadata_: metadata},
		TrialID:     trialID,
		Instruction: instruction,
		Fewshot:     fewshot,
	}
}

var _ Event = &EventTrialStart{}

type EventTrialDone struct {
	EventImpl
	TrialID int64   `json:"trial_id"`
	Score   float64 `json:"score"`
}

func NewTrialDoneEvent(metadata EventMetadata, trialID int64, score float64) *EventTrialDone {
	return &EventTrialDone{
		EventImpl: EventImpl{Type_: EventTypeTrialDone, Metadata_: metadata},
		TrialID:   trialID,
		Score:     score,
	}
}

var _ Event = &EventTrialDone{}

type EventStudyBest struct {
	EventImpl
	TrialID int64   `json:"trial_id"`
	Score   float64 `json:"score"`
}

func NewStudyBestEvent(metadata EventMetadata, trialID int64, score float64) *EventStudyBest {
	return &EventStudyBest{
		EventImpl: EventImpl{Type_: EventTypeStudyBest, Metadata_: metadata},
		TrialID:   trialID,
		Score:     score,
	}
}

var _ Event = &EventStudyBest{}

// NewEventFromJson decodes a serialized event back into its concrete type.
func NewEventFromJson(b []byte) (Event, error) {
	var e *EventImpl
	err := json.Unmarshal(b, &e)
	if err != nil {
		return nil, err
	}

	e.payload = b

	switch e.Type_ {
	case EventTypeRunStart:
		ret, ok := ToTypedEvent[EventRunStart](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventRunStart")
		}
		return ret, nil
	case EventTypeItemDone:
		ret, ok := ToTypedEvent[EventItemDone](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventItemDone")
		}
		return ret, nil
	case EventTypeRunDone:
		ret, ok := ToTypedEvent[EventRunDone](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventRunDone")
		}
		return ret, nil
	case EventTypeError:
		ret, ok := ToTypedEvent[EventError](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventError")
		}
		return ret, nil
	case EventTypeInterrupt:
		ret, ok := ToTypedEvent[EventInterrupt](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventInterrupt")
		}
		return ret, nil
	case EventTypeTrialStart:
		ret, ok := ToTypedEvent[EventTrialStart](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventTrialStart")
		}
		return ret, nil
	case EventTypeTrialDone:
		ret, ok := ToTypedEvent[EventTrialDone](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventTrialDone")
		}
		return ret, nil
	case EventTypeStudyBest:
		ret, ok := ToTypedEvent[EventStudyBest](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventStudyBest")
		}
		return ret, nil
	}

	return e, nil
}

func ToTypedEvent[T any](e Event) (*T, bool) {
	var ret *T
	err := json.Unmarshal(e.Payload(), &ret)
	if err != nil {
		return nil, false
	}

	return ret, true
}
