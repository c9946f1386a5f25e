package mock

import (
	"fmt"
	"sync"

	"github.com/aws/smithy-go"
)

// Fault makes matching API calls fail with an API error.
type Fault struct {
	// Action is the API operation to fail, e.g. "CreateDBSnapshot". Empty matches every action.
	Action string
	// Target restricts the fault to one resource identifier.
	Target  string
	Code    string
	Message string
	Kind    smithy.ErrorFault
	// Times is the number of calls to fail; 0 fails every call.
	Times int

	hits int
}

// Faults holds the faults injected into a State.
type Faults struct {
	mu     sync.Mutex
	active []*Fault
}

// Inject adds a fault. Faults are matched in injection order.
func (fs *Faults) Inject(f Fault) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f.hits = 0
	fs.active = append(fs.active, &f)
}

// Reset removes every fault.
func (fs *Faults) Reset() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.active = nil
}

// check returns the error of the first fault matching action and target.
func (fs *Faults) check(action, target string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, f := range fs.active {
		if f.Action != "" && f.Action != action {
			continue
		}
		if f.Target != "" && f.Target != target {
			continue
		}
		if f.Times > 0 && f.hits >= f.Times {
			continue
		}
		f.hits++
		return f.apiError(action)
	}
	return nil
}

func (f *Fault) apiError(action string) error {
	code, msg, kind := f.Code, f.Message, f.Kind
	if code == "" {
		code = "InternalFailure"
	}
	if msg == "" {
		msg = fmt.Sprintf("injected failure of %s", action)
	}
	if kind == smithy.FaultUnknown && code == "InternalFailure" {
		kind = smithy.FaultServer
	}
	return &smithy.GenericAPIError{Code: code, Message: msg, Fault: kind}
}
