package pipeline

import (
	"context"
	"time"

	"oiat.dev/common"
)

// Event names emitted during a run.
const (
	EventPipelineStarted   = "pipeline_started"
	EventSpillCreated      = "spill_created"
	EventSpillMerged       = "spill_merged"
	EventUploadSummary     = "upload_summary"
	EventReconcile         = "reconcile"
	EventPipelineSucceeded = "pipeline_succeeded"
	EventPipelineFailed    = "pipeline_failed"
)

// Event is one structured checkpoint of a run. Every event lands in the
// run log; sinks may forward a subset elsewhere.
type Event struct {
	Name   string                 `json:"name"`
	Tenant string                 `json:"tenant"`
	Date   string                 `json:"date,omitempty"`
	Phase  Phase                  `json:"phase,omitempty"`
	Fields map[string]interface{} `json:"fields,omitempty"`
	At     time.Time              `json:"at"`
}

// Sink receives run events. Implementations must not block the run;
// failures are the sink's problem, never the pipeline's.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event)

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, ev Event) { f(ctx, ev) }

// emitter logs each event and forwards it to the optional sink.
type emitter struct {
	tenant string
	log    *common.ContextLogger
	sink   Sink
}

func (e *emitter) emit(ctx context.Context, name, date string, phase Phase, fields map[string]interface{}) {
	ev := Event{
		Name:   name,
		Tenant: e.tenant,
		Date:   date,
		Phase:  phase,
		Fields: fields,
		At:     time.Now(),
	}

	logFields := map[string]interface{}{"event": name}
	if date != "" {
		logFields["date"] = date
	}
	if phase != "" {
		logFields["phase"] = string(phase)
	}
	for k, v := range fields {
		logFields[k] = v
	}
	e.log.WithFields(logFields).Info("Pipeline event")

	if e.sink != nil {
		e.sink.Publish(ctx, ev)
	}
}
