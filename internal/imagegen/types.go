package imagegen

// Submission is the provider's answer to a generation request: either a
// task to poll or a finished result.
type Submission interface {
	submission()
}

// TaskSubmitted means the provider queued the work under TaskID.
type TaskSubmitted struct {
	TaskID string
}

// ImmediateResult means the provider answered synchronously.
type ImmediateResult struct {
	URLs []string
}

func (TaskSubmitted) submission()   {}
func (ImmediateResult) submission() {}

// Status is one answer to a task status query.
type Status interface {
	status()
}

type (
	StatusPending   struct{}
	StatusRunning   struct{}
	StatusNotFound  struct{}
	StatusSucceeded struct{ URL string }
	StatusFailed    struct{ Reason string }
	// StatusUnrecognized carries a response whose shape did not match any
	// known variant.
	StatusUnrecognized struct{ Raw string }
)

func (StatusPending) status()      {}
func (StatusRunning) status()      {}
func (StatusNotFound) status()     {}
func (StatusSucceeded) status()    {}
func (StatusFailed) status()       {}
func (StatusUnrecognized) status() {}

// Name is the wire name used in API responses.
func Name(s Status) string {
	switch s.(type) {
	case StatusPending, StatusNotFound:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}
