package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/kalambet/dawn/internal/analysis"
	"github.com/kalambet/dawn/internal/answer"
	"github.com/kalambet/dawn/internal/dataset"
	"github.com/kalambet/dawn/internal/drift"
	"github.com/kalambet/dawn/internal/memory"
	"github.com/kalambet/dawn/internal/storage"
)

// Stage is one state of the run state machine. It doubles as the agent
// name recorded in the run log.
type Stage int

const (
	StageBootstrap Stage = iota + 1
	StagePlanner
	StageExecutor
	StageMemory
	StageQA
	StageGuardrail
	StageResponder
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageBootstrap:
		return "bootstrap"
	case StagePlanner:
		return "planner"
	case StageExecutor:
		return "executor"
	case StageMemory:
		return "memory"
	case StageQA:
		return "qa"
	case StageGuardrail:
		return "guardrail"
	case StageResponder:
		return "responder"
	case StageDone:
		return "done"
	}
	return "unknown"
}

func (s Stage) MarshalText() ([]byte, error) {
	if s < StageBootstrap || s > StageDone {
		return nil, fmt.Errorf("invalid stage %d", int(s))
	}
	return []byte(s.String()), nil
}

// Run statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// DefaultGoal is used when a run has no question.
const DefaultGoal = "Summarize key findings"

// Attr is one key/value attribute of a log entry.
type Attr struct {
	Key   string
	Value string
}

// A builds an Attr, formatting the value with %v.
func A(key string, value any) Attr {
	switch v := value.(type) {
	case string:
		return Attr{Key: key, Value: v}
	case int:
		return Attr{Key: key, Value: strconv.Itoa(v)}
	case bool:
		return Attr{Key: key, Value: strconv.FormatBool(v)}
	}
	return Attr{Key: key, Value: fmt.Sprint(value)}
}

// RunLogEntry is one append-only audit record of a run.
type RunLogEntry struct {
	Agent     Stage
	Message   string
	Attrs     []Attr
	Timestamp time.Time
}

// MarshalJSON writes the attributes as an object in insertion order.
func (e RunLogEntry) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"agent":`)
	agent, err := json.Marshal(e.Agent)
	if err != nil {
		return nil, err
	}
	buf.Write(agent)
	buf.WriteString(`,"message":`)
	msg, _ := json.Marshal(e.Message)
	buf.Write(msg)
	buf.WriteString(`,"attributes":{`)
	for i, a := range e.Attrs {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(a.Key)
		v, _ := json.Marshal(a.Value)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteString(`},"timestamp":`)
	ts, _ := json.Marshal(e.Timestamp.UTC().Format(time.RFC3339Nano))
	buf.Write(ts)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// RunRequest starts a run.
type RunRequest struct {
	Tenant   string
	Feed     string
	Question string
	// RefreshContext persists curated notes. Nil means true.
	RefreshContext *bool
	Annotations    []memory.Annotation
}

func (r RunRequest) refresh() bool {
	return r.RefreshContext == nil || *r.RefreshContext
}

// RunState is the in-flight state of one run. Stages receive it by value
// and return the updated copy.
type RunState struct {
	RunID    string
	Request  RunRequest
	Tenant   string
	Goal     string
	Feed     storage.Feed
	Version  storage.FeedVersion
	Dataset  *dataset.Dataset
	Drift    *drift.Report
	PriorRun string

	Plan           analysis.Plan
	Completed      []analysis.MetricResult
	Warnings       []analysis.Warning
	ContextUpdates []memory.Update
	Answer         *answer.Answer

	Status      string
	FinalReport string
	Log         []RunLogEntry
}

// hasQuestion reports whether the run must visit the QA stage.
func (s RunState) hasQuestion() bool {
	return s.Request.Question != ""
}
