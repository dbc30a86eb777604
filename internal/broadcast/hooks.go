package broadcast

import "time"

// Pass results reported through Hooks.OnPass.
const (
	PassCompleted      = "completed"
	PassDirectoryError = "directory_error"
	PassCancelled      = "cancelled"
)

// Hooks lets an observer (metrics) follow the subsystem without this package
// importing it. Any field may be nil.
type Hooks struct {
	OnEnqueued  func()
	OnDelivered func()
	OnFailed    func()
	OnNoChannel func()
	OnPending   func(n int)
	OnDirectory func(users int)
	OnPurged    func(n int)
	OnPass      func(result string, took time.Duration)
}

func (h Hooks) enqueued() {
	if h.OnEnqueued != nil {
		h.OnEnqueued()
	}
}

func (h Hooks) delivered() {
	if h.OnDelivered != nil {
		h.OnDelivered()
	}
}

func (h Hooks) failed() {
	if h.OnFailed != nil {
		h.OnFailed()
	}
}

func (h Hooks) noChannel() {
	if h.OnNoChannel != nil {
		h.OnNoChannel()
	}
}

func (h Hooks) pending(n int) {
	if h.OnPending != nil {
		h.OnPending(n)
	}
}

func (h Hooks) directory(n int) {
	if h.OnDirectory != nil {
		h.OnDirectory(n)
	}
}

func (h Hooks) purged(n int) {
	if h.OnPurged != nil {
		h.OnPurged(n)
	}
}

func (h Hooks) pass(result string, took time.Duration) {
	if h.OnPass != nil {
		h.OnPass(result, took)
	}
}
