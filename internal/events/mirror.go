package events

import (
	"encoding/json"

	"github.com/basket/go-studio/internal/persistence"
)

// Stage markers handlers put in stream payloads.
const (
	StageStepStart    = "step.start"
	StageStepChunk    = "step.chunk"
	StageStepComplete = "step.complete"
	StageStepError    = "step.error"
	StageRunComplete  = "run.complete"
	StageRunError     = "run.error"
)

var lifecycleToRun = map[string]string{
	TypeProcessing: persistence.RunEventStart,
	TypeCompleted:  persistence.RunEventComplete,
	TypeFailed:     persistence.RunEventError,
	TypeCancelled:  persistence.RunEventCanceled,
}

var stageToRun = map[string]string{
	StageStepStart:    persistence.RunEventStepStart,
	StageStepChunk:    persistence.RunEventStepChunk,
	StageStepComplete: persistence.RunEventStepComplete,
	StageStepError:    persistence.RunEventStepError,
	StageRunComplete:  persistence.RunEventComplete,
	StageRunError:     persistence.RunEventError,
}

// markers are the fields MirrorToRun reads from a task event payload.
type markers struct {
	LifecycleType string `json:"lifecycle_type"`
	Stage         string `json:"stage"`
	StepKey       string `json:"step_key"`
	Attempt       int    `json:"attempt"`
	Lane          string `json:"lane"`
}

// MirrorToRun maps a task event onto the run events it implies. Events with
// no run, unknown markers, or an unreadable payload map to nothing.
func MirrorToRun(ev Message) []persistence.RunEvent {
	if ev.RunID == "" {
		return nil
	}
	var m markers
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &m); err != nil {
			return nil
		}
	}

	var runType string
	switch ev.Family {
	case FamilyStream:
		runType = stageToRun[m.Stage]
	default:
		lt := m.LifecycleType
		if lt == "" {
			lt = ev.Type
		}
		runType = lifecycleToRun[lt]
	}
	if runType == "" {
		return nil
	}

	return []persistence.RunEvent{{
		RunID:     ev.RunID,
		EventType: runType,
		StepKey:   m.StepKey,
		Attempt:   m.Attempt,
		Lane:      m.Lane,
		Payload:   ev.Payload,
		CreatedAt: ev.CreatedAt,
	}}
}
