package mock

import "sync"

// Call is one recorded interaction with a fake service.
type Call struct {
	Action string
	Target string
}

func (c Call) String() string {
	if c.Target == "" {
		return c.Action
	}
	return c.Action + "(" + c.Target + ")"
}

// Recorder keeps the order of calls across the fake RDS and MySQL services.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record appends a call.
func (r *Recorder) Record(action, target string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Action: action, Target: target})
}

// Calls returns a copy of all recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Filter returns the recorded calls whose action is in actions, in order.
func (r *Recorder) Filter(actions ...string) []Call {
	want := make(map[string]bool, len(actions))
	for _, a := range actions {
		want[a] = true
	}
	var out []Call
	for _, c := range r.Calls() {
		if want[c.Action] {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many times action was recorded.
func (r *Recorder) Count(action string) int {
	n := 0
	for _, c := range r.Calls() {
		if c.Action == action {
			n++
		}
	}
	return n
}
