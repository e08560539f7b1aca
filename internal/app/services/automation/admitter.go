package automation

import (
	"context"

	svcerrors "github.com/r3e-network/area-engine/infrastructure/errors"
	domain "github.com/r3e-network/area-engine/internal/app/domain/automation"
	"github.com/r3e-network/area-engine/internal/app/storage"
	"github.com/r3e-network/area-engine/pkg/logger"
)

// DispatchQueue receives admitted Executions for asynchronous processing by
// the dispatcher's worker pool. Implementations must not block the caller
// for longer than it takes to enqueue.
type DispatchQueue interface {
	Enqueue(ctx context.Context, executionID string) error
}

// DispatchQueueFunc adapts a function to the DispatchQueue interface.
type DispatchQueueFunc func(ctx context.Context, executionID string) error

func (f DispatchQueueFunc) Enqueue(ctx context.Context, executionID string) error {
	if f == nil {
		return nil
	}
	return f(ctx, executionID)
}

// Admitter is the single entry point every trigger producer (timer
// scheduler, poller, webhook receiver) calls to materialise a TriggerEvent
// into an Execution. It does not interpret trigger_data; it is written
// verbatim for the handler to read.
type Admitter struct {
	executions  storage.ExecutionStore
	automations storage.AutomationStore
	actions     storage.ActionStore
	reactions   storage.ReactionStore
	queue       DispatchQueue
	log         *logger.Logger
}

// NewAdmitter creates an Admitter backed by the given ExecutionStore. queue
// may be nil, in which case admitted Executions are not automatically
// scheduled for dispatch (useful for tests that only check admission).
func NewAdmitter(executions storage.ExecutionStore, queue DispatchQueue, log *logger.Logger) *Admitter {
	if log == nil {
		log = logger.NewDefault("execution-admitter")
	}
	return &Admitter{executions: executions, queue: queue, log: log}
}

// WithSchemaValidation enables §3's action-config/reaction-config schema
// check before admission. Without it (the zero-value Admitter built by
// NewAdmitter), Admit skips straight to AdmitExecution — useful for tests
// that construct automations without full action/reaction rows.
func (a *Admitter) WithSchemaValidation(automations storage.AutomationStore, actions storage.ActionStore, reactions storage.ReactionStore) *Admitter {
	a.automations = automations
	a.actions = actions
	a.reactions = reactions
	return a
}

// Admit inserts a pending Execution for the event's (automation_id,
// external_event_id) key, or observes that one already exists. Either way
// the caller gets back the row; created reports which case occurred. A
// newly created Execution is handed to the dispatch queue; an observed one
// is not re-enqueued, since it is either already running or already done.
//
// When schema validation is enabled (WithSchemaValidation), a newly-seen
// event is checked against its Automation's action_config/reaction_config
// schemas first; a violation is returned to the caller without touching the
// execution store, so a malformed Automation never produces a pending
// Execution the dispatcher would otherwise pick up and fail on.
func (a *Admitter) Admit(ctx context.Context, event domain.TriggerEvent) (domain.Execution, bool, error) {
	if a.automations != nil {
		if err := a.validateSchemas(ctx, event.AutomationID); err != nil {
			return domain.Execution{}, false, err
		}
	}

	exec, created, err := a.executions.AdmitExecution(ctx, event.AutomationID, event.ExternalEventID, event.TriggerData)
	if err != nil {
		return domain.Execution{}, false, err
	}
	if created && a.queue != nil {
		if qerr := a.queue.Enqueue(ctx, exec.ID); qerr != nil {
			a.log.WithError(qerr).
				WithField("execution_id", exec.ID).
				Warn("failed to enqueue admitted execution for dispatch")
		}
	}
	return exec, created, nil
}

// validateSchemas loads automationID's Action and Reaction config schemas
// and checks the Automation's stored configs against them.
func (a *Admitter) validateSchemas(ctx context.Context, automationID string) error {
	auto, err := a.automations.GetAutomation(ctx, automationID)
	if err != nil {
		return err
	}

	if a.actions != nil {
		action, err := a.actions.GetAction(ctx, auto.ActionID)
		if err != nil {
			return err
		}
		if err := action.ConfigSchema.Validate(auto.ActionConfig); err != nil {
			return svcerrors.InvalidConfig("action_config: " + err.Error())
		}
	}

	if a.reactions != nil {
		reaction, err := a.reactions.GetReaction(ctx, auto.ReactionID)
		if err != nil {
			return err
		}
		if err := reaction.ConfigSchema.Validate(auto.ReactionConfig); err != nil {
			return svcerrors.InvalidConfig("reaction_config: " + err.Error())
		}
	}

	return nil
}
