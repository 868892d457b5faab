package bot

import "mirrorbot/internal/domain"

// pendingAction is the retry armed after a failed rebalance or close. Only
// one can be armed at a time and a close always wins over a rebalance.
type pendingAction int

const (
	pendingNone pendingAction = iota
	pendingRebalance
	pendingClose
)

// lifecycle is the controller's mutable state. It is only touched under the
// controller mutex.
type lifecycle struct {
	running     bool
	rebalancing bool
	closing     bool
	pending     pendingAction
	// again asks the in-flight rebalance for one more pass.
	again bool
}

// status derives the externally visible status. Priority runs from closing
// down to off.
func (l lifecycle) status() domain.Status {
	switch {
	case l.closing:
		return domain.StatusClosing
	case l.pending == pendingClose:
		return domain.StatusScheduledClose
	case l.rebalancing:
		return domain.StatusRebalancing
	case l.pending == pendingRebalance:
		return domain.StatusScheduledRebalance
	case l.running:
		return domain.StatusOn
	default:
		return domain.StatusOff
	}
}

// closeInProgress reports whether a close is running or scheduled.
func (l lifecycle) closeInProgress() bool {
	return l.closing || l.pending == pendingClose
}

// schedule arms a retry. A pending close is never downgraded.
func (l *lifecycle) schedule(p pendingAction) {
	if l.pending == pendingClose && p == pendingRebalance {
		return
	}
	l.pending = p
}

// reset clears every flag.
func (l *lifecycle) reset() {
	*l = lifecycle{}
}
