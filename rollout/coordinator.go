package rollout

import (
	"fmt"
	"sync"

	"github.com/drover-io/drover/census"
	"github.com/drover-io/drover/cluster"
	goversion "github.com/hashicorp/go-version"
)

// State is where the local member stands in a rolling update.
type State int

const (
	StateIdle State = iota
	StateAwaitingLeader
	StateUpdating
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingLeader:
		return "awaiting-leader"
	case StateUpdating:
		return "updating"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Coordinator is the per-member rolling state machine. Each supervisor
// runs its own instance; they coordinate only through what members
// announce about themselves, never through shared memory.
//
// The machine holds one hard rule above everything else: a member applies
// a version only if it is strictly newer than what the member already
// runs. Leadership can change hands mid-rollout and land on a member
// still running an older version; followers that have already advanced
// hold where they are rather than following the new leader backward.
type Coordinator struct {
	mu     sync.Mutex
	state  State
	target *goversion.Version
}

func NewCoordinator() *Coordinator {
	return &Coordinator{state: StateIdle}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Observe advances the state machine against the current census and
// reports whether the local member may apply target right now. Callers
// have already established that target and localVersion parse.
func (c *Coordinator) Observe(g *census.Group, local *cluster.Member, target, localVersion *goversion.Version) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Already at or past the target: the rollout holds nothing for us.
	// Done drains to Idle here, ready for the next target change.
	if !target.GreaterThan(localVersion) {
		if c.state != StateUpdating {
			c.state = StateIdle
			c.target = nil
		}
		return Hold
	}

	// A fresh, strictly newer target wakes the machine up.
	if c.target == nil || !c.target.Equal(target) {
		c.target = target
		if c.state == StateIdle || c.state == StateDone {
			c.state = StateAwaitingLeader
		}
	}

	// Leaderless means quorum is lost or the seat is vacant. Pause, do
	// not apply anything until leadership is re-established.
	leader, ok := g.Leader()
	if !ok {
		if c.state != StateUpdating {
			c.state = StateAwaitingLeader
		}
		return Hold
	}

	if c.state == StateUpdating {
		// An apply is already in flight; the supervisor retries it on
		// its own schedule.
		return Hold
	}

	if c.state != StateAwaitingLeader {
		return Hold
	}

	// The leader moves first, unconditionally, once a newer target
	// exists.
	if leader.ID == local.ID {
		return Apply
	}

	// A follower moves only once the leader has reached at least the
	// target. Note the decision compares the target against our own
	// version, never against the leader's: if the leader is behind us,
	// we hold at our newer version instead of regressing.
	leaderVersion, err := goversion.NewVersion(leader.PackageVersion)
	if err != nil {
		return Hold
	}
	if leaderVersion.GreaterThanOrEqual(target) {
		return Apply
	}

	return Hold
}

// Begin marks the local apply as started. Valid only out of
// AwaitingLeader; the supervisor calls it just before launching the
// install.
func (c *Coordinator) Begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAwaitingLeader {
		return false
	}
	c.state = StateUpdating
	return true
}

// Complete marks the local apply as finished. The member's announced
// package version has already advanced by the time this is called.
func (c *Coordinator) Complete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateUpdating {
		c.state = StateDone
	}
}

// Reset returns the machine to Idle, dropping any tracked target. Used
// when the group's target is withdrawn.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateIdle
	c.target = nil
}
