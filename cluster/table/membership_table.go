package table

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/drover-io/drover/cluster"
	"github.com/drover-io/drover/cluster/storage"
	"zombiezen.com/go/log"
)

type Config struct {
	Service         string
	Group           string
	SuspicionWindow time.Duration
	SuspicionQuorum int
}

// MembershipTable is a supervisor's local view of its service group. The
// monitor loop is the single writer; election and update evaluation read
// a Snapshot so they never observe a half-applied refresh.
type MembershipTable struct {
	mu      sync.RWMutex
	members map[string]cluster.Member
	store   storage.MemberStore
	ctx     context.Context
	config  Config
	changed chan struct{}
}

func NewTable(ctx context.Context, store storage.MemberStore, config Config) *MembershipTable {
	return &MembershipTable{
		members: make(map[string]cluster.Member),
		store:   store,
		ctx:     ctx,
		config:  config,
		changed: make(chan struct{}, 1),
	}
}

func (t *MembershipTable) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

// Changes signals after any refresh that altered the view. The channel is
// buffered so a slow consumer coalesces bursts instead of blocking refresh.
func (t *MembershipTable) Changes() <-chan struct{} {
	return t.changed
}

func (t *MembershipTable) notify() {
	select {
	case t.changed <- struct{}{}:
	default:
	}
}

// Snapshot returns a consistent copy of the current view.
func (t *MembershipTable) Snapshot() []cluster.Member {
	t.mu.RLock()
	defer t.mu.RUnlock()

	members := make([]cluster.Member, 0, len(t.members))
	for _, m := range t.members {
		members = append(members, m)
	}
	return members
}

func (t *MembershipTable) Get(id string) (cluster.Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.members[id]
	return m, ok
}

// Refresh pulls the group's records from the store and merges them into
// the local view. A stored record replaces the local one only when it
// carries a higher incarnation; stale gossip is discarded on arrival. At
// equal incarnation the worse health wins, so a locally suspected member
// is not resurrected by its own stale self-report; only a re-announcement
// with a higher incarnation refutes suspicion.
func (t *MembershipTable) Refresh() error {
	records, err := t.store.GetMembers(t.config.Service, t.config.Group)
	if err != nil {
		return fmt.Errorf("unable to refresh membership: %v", err)
	}

	t.mu.Lock()
	dirty := false
	seen := make(map[string]bool, len(records))
	for _, record := range records {
		seen[record.ID] = true
		current, ok := t.members[record.ID]
		if !ok || record.Supersedes(&current) {
			t.members[record.ID] = record
			dirty = true
			continue
		}
		if record.Incarnation == current.Incarnation && record.Health > current.Health {
			current.Health = record.Health
			t.members[record.ID] = current
			dirty = true
		}
	}
	for id := range t.members {
		if !seen[id] {
			delete(t.members, id)
			dirty = true
		}
	}
	t.mu.Unlock()

	if dirty {
		t.notify()
	}
	return nil
}

// MarkSuspect downgrades a member to suspect in the local view only. The
// verdict is local liveness belief, not gossip; it is not published.
func (t *MembershipTable) MarkSuspect(id string) {
	t.mu.Lock()
	m, ok := t.members[id]
	if ok && m.Health == cluster.HealthAlive {
		m.Health = cluster.HealthSuspect
		t.members[id] = m
		t.mu.Unlock()
		t.notify()
		return
	}
	t.mu.Unlock()
}

// MarkAlive clears a local suspicion after a member answers again.
// Departure is permanent and is not undone here.
func (t *MembershipTable) MarkAlive(id string) {
	t.mu.Lock()
	m, ok := t.members[id]
	if ok && m.Health == cluster.HealthSuspect {
		m.Health = cluster.HealthAlive
		t.members[id] = m
		t.mu.Unlock()
		t.notify()
		return
	}
	t.mu.Unlock()
}

// Announce publishes the local member's record to the store.
func (t *MembershipTable) Announce(m *cluster.Member) error {
	if err := t.store.Announce(m); err != nil {
		return err
	}

	t.mu.Lock()
	t.members[m.ID] = *m
	t.mu.Unlock()
	t.notify()
	return nil
}

// Suspect records an accusation against a peer and, once enough distinct
// accusers agree within the suspicion window, declares the peer departed.
// Accusations older than the window are discarded as a group, so a member
// that recovers sheds its suspicions instead of being slowly condemned.
func (t *MembershipTable) Suspect(accuser, suspect *cluster.Member) error {
	if err := t.store.DeclareSuspect(accuser, suspect); err != nil {
		return fmt.Errorf("unable to suspect member: %v", err)
	}

	suspicions, err := t.store.GetSuspicions(suspect)
	if err != nil {
		return fmt.Errorf("error getting suspicions: %v", err)
	}
	if len(suspicions) == 0 {
		return nil
	}

	earliestTimestamp := int64(math.MaxInt64)
	latestTimestamp := int64(0)
	for _, s := range suspicions {
		if s.Timestamp < earliestTimestamp {
			earliestTimestamp = s.Timestamp
		}
		if s.Timestamp > latestTimestamp {
			latestTimestamp = s.Timestamp
		}
	}

	now := time.Now().UnixMicro()
	sinceEarliest := time.Duration(now-earliestTimestamp) * time.Microsecond
	if sinceEarliest > t.config.SuspicionWindow {
		log.Infof(t.ctx, "suspicion window expired (%0.2fs > %0.2fs), clearing suspicions against %s",
			sinceEarliest.Seconds(), t.config.SuspicionWindow.Seconds(), suspect.ID)
		return t.store.RemoveSuspicions(suspect)
	}

	if len(suspicions) < t.config.SuspicionQuorum {
		log.Debugf(t.ctx, "suspicion quorum not met for %s (%d of %d)",
			suspect.ID, len(suspicions), t.config.SuspicionQuorum)
		return nil
	}

	latest, err := t.store.LatestSuspicion(suspect)
	if err != nil {
		return fmt.Errorf("error getting latest suspicion: %v", err)
	}
	if latest != nil && latest.Timestamp == latestTimestamp {
		log.Infof(t.ctx, "suspicion quorum met, declaring %s departed", suspect.ID)
		if err := t.store.DeclareDeparted(suspect); err != nil {
			return err
		}
		t.mu.Lock()
		if m, ok := t.members[suspect.ID]; ok {
			m.Health = cluster.HealthDeparted
			t.members[suspect.ID] = m
		}
		t.mu.Unlock()
		t.notify()
	}

	return nil
}
