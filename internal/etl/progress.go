package etl

import (
	"context"
	"fmt"
	"time"
)

type Stage string

const (
	StageListing    Stage = "listing"
	StageCandidates Stage = "candidates"
	StageDetail     Stage = "detail"
	StageDone       Stage = "done"
	StageCancelled  Stage = "cancelled"
	StageFailed     Stage = "failed"
)

// Progress is one human readable status message of a run.
type Progress struct {
	RunID   string    `json:"run_id,omitempty"`
	Stage   Stage     `json:"stage"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Final reports whether no further messages follow for the run.
func (p Progress) Final() bool {
	switch p.Stage {
	case StageDone, StageCancelled, StageFailed:
		return true
	}
	return false
}

type reporter struct {
	ctx   context.Context
	runID string
	out   chan<- Progress
}

func newReporter(ctx context.Context, runID string, out chan<- Progress) *reporter {
	return &reporter{ctx: ctx, runID: runID, out: out}
}

// send blocks until the message is taken, unless the run context is done.
// Terminal messages are still delivered after cancellation if the reader
// is ready.
func (r *reporter) send(stage Stage, format string, args ...interface{}) {
	if r.out == nil {
		return
	}
	msg := Progress{
		RunID:   r.runID,
		Stage:   stage,
		Message: fmt.Sprintf(format, args...),
		Time:    time.Now(),
	}

	if r.ctx.Err() != nil {
		select {
		case r.out <- msg:
		default:
		}
		return
	}

	select {
	case r.out <- msg:
	case <-r.ctx.Done():
	}
}
