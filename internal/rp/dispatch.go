package rp

import "github.com/DineshReddyK/sysrepo/internal/srerr"

// Operation is one of the request-processor's supported message
// operations (request_processor.c's SR__OPERATION__* switch in
// rp_msg_dispatch).
type Operation string

const (
	OpListSchemas    Operation = "list-schemas"
	OpGetItem        Operation = "get-item"
	OpGetItems       Operation = "get-items"
	OpSetItem        Operation = "set-item"
	OpDeleteItem     Operation = "delete-item"
	OpMoveItem       Operation = "move-item"
	OpValidate       Operation = "validate"
	OpCommit         Operation = "commit"
	OpDiscardChanges Operation = "discard-changes"
)

// Request is one message queued for processing. Payload is opaque to
// the pool itself (it corresponds to the original's Sr__Msg, whose
// wire encoding spec.md places out of scope for the core); handlers
// registered with Dispatcher.Register interpret it.
type Request struct {
	Operation Operation
	Payload   any
}

// Response is a Request's result (success payload or error code).
type Response struct {
	Operation Operation
	Payload   any
	Err       error
}

// Handler processes one Request for session and produces a Response.
type Handler func(s *Session, req *Request) (*Response, error)

func errUnsupported(op Operation) error {
	return srerr.New(srerr.Unsupported, "rp.Dispatch: "+string(op))
}
