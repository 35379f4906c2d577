package telemetry

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pario-ai/llmgate/pkg/gwerr"
	"github.com/pario-ai/llmgate/pkg/models"
	"github.com/pario-ai/llmgate/pkg/pipeline"
)

// Logging writes a debug line per stage and a warning per stage failure.
type Logging struct {
	log log.FieldLogger
}

func NewLogging(logger log.FieldLogger) *Logging {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Logging{log: logger}
}

func (l *Logging) OnStageStart(ctx context.Context, stage pipeline.Stage, req *models.GenerateRequest) context.Context {
	l.log.WithFields(log.Fields{
		"request_id": req.ID,
		"stage":      string(stage),
		"event":      "stage_start",
	}).Debug("Stage started")
	return ctx
}

func (l *Logging) OnStageEnd(_ context.Context, stage pipeline.Stage, req *models.GenerateRequest, elapsed time.Duration) {
	l.log.WithFields(log.Fields{
		"request_id": req.ID,
		"stage":      string(stage),
		"elapsed_ms": elapsed.Milliseconds(),
		"event":      "stage_end",
	}).Debug("Stage finished")
}

func (l *Logging) OnError(_ context.Context, stage pipeline.Stage, req *models.GenerateRequest, err error) {
	fields := log.Fields{
		"request_id": req.ID,
		"stage":      string(stage),
		"error":      err.Error(),
		"event":      "stage_error",
	}
	if ge, ok := gwerr.As(err); ok {
		fields["kind"] = string(ge.Kind)
		for k, v := range ge.Context {
			if _, taken := fields[k]; !taken {
				fields[k] = v
			}
		}
	}
	l.log.WithFields(fields).Warn("Stage failed")
}

// Multi fans out to several instrumentations. Contexts returned by
// OnStageStart are threaded through in order.
type Multi struct {
	instrs []pipeline.Instrumentation
}

func NewMulti(instrs ...pipeline.Instrumentation) *Multi {
	nonNil := make([]pipeline.Instrumentation, 0, len(instrs))
	for _, i := range instrs {
		if i != nil {
			nonNil = append(nonNil, i)
		}
	}
	return &Multi{instrs: nonNil}
}

func (m *Multi) OnStageStart(ctx context.Context, stage pipeline.Stage, req *models.GenerateRequest) context.Context {
	for _, i := range m.instrs {
		ctx = i.OnStageStart(ctx, stage, req)
	}
	return ctx
}

// OnStageEnd runs in reverse order so nested spans close inside out.
func (m *Multi) OnStageEnd(ctx context.Context, stage pipeline.Stage, req *models.GenerateRequest, elapsed time.Duration) {
	for i := len(m.instrs) - 1; i >= 0; i-- {
		m.instrs[i].OnStageEnd(ctx, stage, req, elapsed)
	}
}

func (m *Multi) OnError(ctx context.Context, stage pipeline.Stage, req *models.GenerateRequest, err error) {
	for _, i := range m.instrs {
		i.OnError(ctx, stage, req, err)
	}
}
