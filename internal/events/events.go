// Package events emits the agent's structured operational events as one
// JSON object per line on stdout. Event names are stable; dashboards and
// log scrapers key on the "event" field.
package events

import (
	"io"

	"github.com/rs/zerolog"
)

// Stable event names.
const (
	Startup                 = "startup"
	Signal                  = "signal"
	ListenError             = "listen_error"
	TaskWaitingApproval     = "task_waiting_approval"
	TaskApproved            = "task_approved"
	TaskCanceled            = "task_canceled"
	ApprovalRequestFailed   = "approval_request_failed"
	ApprovalPayloadInvalid  = "approval_payload_invalid"
	TaskImagesPrepared      = "task_images_prepared"
	TaskImagePrepareFailed  = "task_image_prepare_failed"
	TaskStarted             = "task_started"
	TaskDeferredLockBusy    = "task_deferred_lock_busy"
	ProcessPoolSubmitFailed = "process_pool_submit_failed"
	TaskFinished            = "task_finished"
	ReportFailed            = "report_failed"
	CycleFinished           = "cycle_finished"
)

// Emitter writes structured events to a single stream.
type Emitter struct {
	logger zerolog.Logger
}

// New builds an emitter writing JSON lines to w.
func New(w io.Writer) *Emitter {
	return &Emitter{logger: zerolog.New(w).With().Timestamp().Logger()}
}

// Emit starts an event with the given stable name. Callers add fields and
// finish with Send().
func (e *Emitter) Emit(name string) *zerolog.Event {
	return e.logger.Log().Str("event", name)
}
