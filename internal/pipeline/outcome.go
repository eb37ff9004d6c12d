package pipeline

import "context"

// OutcomeStatus tags the result of one handler execution.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeRetry     OutcomeStatus = "retry"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Outcome is the tagged result a handler returns to the dispatcher. Handlers
// never raise errors across the dispatcher boundary; failures travel inside
// the outcome so the retry policy can classify them.
type Outcome struct {
	Status   OutcomeStatus
	Message  string
	Metadata Payload // overlays essential keys in the successor payload
	Err      error   // classification input for retry/failed outcomes
}

// Completed builds a success outcome whose metadata seeds the successor task.
func Completed(message string, metadata Payload) Outcome {
	return Outcome{Status: OutcomeCompleted, Message: message, Metadata: metadata}
}

// Retry requests re-execution of the same stage; the retry policy decides
// whether the error actually warrants another attempt.
func Retry(message string, err error) Outcome {
	return Outcome{Status: OutcomeRetry, Message: message, Err: err}
}

// Failed terminates the build; no successor is enqueued.
func Failed(message string, err error) Outcome {
	return Outcome{Status: OutcomeFailed, Message: message, Err: err}
}

// Handler executes one stage for one task. Implementations perform blocking
// I/O (git, compile, HTTP) and are not expected to be cancellable; lease
// timeout is the recovery mechanism for stuck handlers.
type Handler func(ctx context.Context, task *Task, payload Payload) Outcome

// Registry maps stage kinds to handlers. Registration happens once at program
// start; lookups are read-only afterwards, so no locking is needed.
type Registry struct {
	handlers map[Kind]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Kind]Handler)}
}

// Register binds a handler to a kind, replacing any previous binding.
func (r *Registry) Register(kind Kind, h Handler) {
	r.handlers[kind] = h
}

// Get returns the handler for kind.
func (r *Registry) Get(kind Kind) (Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}
