package supervisor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Rican7/retry/strategy"
	"github.com/drover-io/drover/cluster"
	"github.com/drover-io/drover/cluster/storage"
	"github.com/drover-io/drover/rollout"
	"github.com/stretchr/testify/require"
)

// One registry for the whole test binary; the prometheus reporter
// registers collectors process-wide.
var testMetrics = NewMetricRegistry(0)

type fakeTargets struct {
	mu      sync.Mutex
	targets map[string]string
}

func newFakeTargets() *fakeTargets {
	return &fakeTargets{targets: make(map[string]string)}
}

func (f *fakeTargets) GetTarget(service, group string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.targets[service+"."+group], nil
}

func (f *fakeTargets) SetTarget(service, group, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets[service+"."+group] = version
	return nil
}

type fakeInstaller struct {
	mu       sync.Mutex
	current  string
	history  []string
	failures int
}

func newFakeInstaller(version string) *fakeInstaller {
	return &fakeInstaller{current: version, history: []string{version}}
}

func (f *fakeInstaller) CurrentVersion() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeInstaller) Install(ctx context.Context, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return fmt.Errorf("install of %s failed", version)
	}
	f.current = version
	f.history = append(f.history, version)
	return nil
}

func (f *fakeInstaller) History() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.history))
	copy(out, f.history)
	return out
}

func (f *fakeInstaller) setFailures(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

type testNode struct {
	sup       *Supervisor
	installer *fakeInstaller
}

func newTestNode(t *testing.T, id string, store storage.MemberStore, targets *fakeTargets, version string) *testNode {
	t.Helper()

	installer := newFakeInstaller(version)
	config := Config{
		MemberID:          id,
		Hostname:          id + ".local",
		RoutableIP:        "127.0.0.1",
		ServicePort:       0,
		Service:           "web",
		Group:             "default",
		Strategy:          rollout.StrategyRolling,
		HeartbeatInterval: 50 * time.Millisecond,
		SuspicionQuorum:   1,
	}

	sup := newSupervisor(context.Background(), config, store, targets, targets, installer, testMetrics)
	sup.retryStrategies = []strategy.Strategy{strategy.Limit(1)}

	self := sup.Member()
	require.NoError(t, sup.table.Announce(&self))

	return &testNode{sup: sup, installer: installer}
}

func (n *testNode) step(t *testing.T) {
	t.Helper()
	require.NoError(t, n.sup.table.Refresh())
	if err := n.sup.Evaluate(); err != nil {
		t.Fatalf("evaluate failed for %s: %v", n.sup.Member().ID, err)
	}
	n.waitSettled(t)
}

func (n *testNode) waitSettled(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		n.sup.mu.Lock()
		defer n.sup.mu.Unlock()
		return !n.sup.inflight
	}, 2*time.Second, 5*time.Millisecond)
}

func settle(t *testing.T, rounds int, nodes ...*testNode) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		for _, n := range nodes {
			n.step(t)
		}
	}
}

func TestTwoMembersElectSmallest(t *testing.T) {
	store := storage.NewMemoryMemberStore()
	targets := newFakeTargets()

	a := newTestNode(t, "alpha", store, targets, "1.0.0")
	b := newTestNode(t, "bravo", store, targets, "1.0.0")

	settle(t, 3, a, b)

	require.Equal(t, "alpha", a.sup.currentLeader())
	require.Equal(t, "alpha", b.sup.currentLeader())
	require.True(t, a.sup.Census().VotesConverged("alpha"))
}

func TestRollingUpdateLeaderFirst(t *testing.T) {
	store := storage.NewMemoryMemberStore()
	targets := newFakeTargets()

	a := newTestNode(t, "alpha", store, targets, "1.0.0")
	b := newTestNode(t, "bravo", store, targets, "1.0.0")
	settle(t, 3, a, b)

	require.NoError(t, a.sup.SetTarget("2.0.0"))

	// The follower evaluates first: it must hold until the leader moves.
	b.step(t)
	require.Equal(t, "1.0.0", b.sup.Member().PackageVersion)

	a.step(t)
	require.Equal(t, "2.0.0", a.sup.Member().PackageVersion)

	settle(t, 3, a, b)
	require.Equal(t, "2.0.0", b.sup.Member().PackageVersion)

	// Both coordinators drained back to Idle, ready for the next target.
	require.Equal(t, rollout.StateIdle, a.sup.engine.Coordinator().State())
	require.Equal(t, rollout.StateIdle, b.sup.engine.Coordinator().State())
}

func TestSetTargetRejectsBadVersion(t *testing.T) {
	store := storage.NewMemoryMemberStore()
	targets := newFakeTargets()
	a := newTestNode(t, "alpha", store, targets, "1.0.0")

	err := a.sup.SetTarget("not-a-version")
	var cfgErr *rollout.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestInstallFailureRetriesWithoutRegression(t *testing.T) {
	store := storage.NewMemoryMemberStore()
	targets := newFakeTargets()

	a := newTestNode(t, "alpha", store, targets, "1.0.0")
	settle(t, 2, a)

	a.installer.setFailures(1)
	require.NoError(t, a.sup.SetTarget("2.0.0"))

	// First attempt fails; the member stays on its version, mid-update.
	a.step(t)
	require.Equal(t, "1.0.0", a.sup.Member().PackageVersion)
	require.Equal(t, rollout.StateUpdating, a.sup.engine.Coordinator().State())

	// Next evaluation resumes the apply and succeeds.
	a.step(t)
	require.Equal(t, "2.0.0", a.sup.Member().PackageVersion)
}

func TestNoUpdateWhileLeaderless(t *testing.T) {
	store := storage.NewMemoryMemberStore()
	targets := newFakeTargets()

	a := newTestNode(t, "alpha", store, targets, "1.0.0")
	b := newTestNode(t, "bravo", store, targets, "1.0.0")
	c := newTestNode(t, "charlie", store, targets, "1.0.0")
	settle(t, 3, a, b, c)

	// Two of three stop answering: quorum is gone for the survivor.
	aMember := a.sup.Member()
	bMember := b.sup.Member()
	require.NoError(t, store.DeclareDeparted(&aMember))
	c.sup.table.MarkSuspect(bMember.ID)

	require.NoError(t, c.sup.SetTarget("2.0.0"))
	settle(t, 3, c)

	require.Empty(t, c.sup.currentLeader())
	require.Equal(t, "1.0.0", c.sup.Member().PackageVersion)
	require.Equal(t, rollout.StateAwaitingLeader, c.sup.engine.Coordinator().State())
}

// The motivating scenario: a leader is lost mid-rollout and replaced by a
// member running an older version. The surviving up-to-date follower must
// never roll backward, and the whole group must still converge on the
// next target.
func TestLeaderChurnNeverDowngradesFollowers(t *testing.T) {
	store := storage.NewMemoryMemberStore()
	targets := newFakeTargets()

	a := newTestNode(t, "alpha", store, targets, "1.0.0")
	b := newTestNode(t, "bravo", store, targets, "1.0.0")
	settle(t, 3, a, b)
	require.Equal(t, "alpha", b.sup.currentLeader())

	// Roll the group to 2.0.0: leader first, then the follower.
	require.NoError(t, a.sup.SetTarget("2.0.0"))
	settle(t, 4, a, b)
	require.Equal(t, "2.0.0", a.sup.Member().PackageVersion)
	require.Equal(t, "2.0.0", b.sup.Member().PackageVersion)

	// The leader dies; a fresh member joins at the old version with an
	// id that sorts first, so it wins the next election.
	aMember := a.sup.Member()
	require.NoError(t, store.DeclareDeparted(&aMember))
	fresh := newTestNode(t, "aaron", store, targets, "1.0.0")

	settle(t, 4, b, fresh)
	require.Equal(t, "aaron", b.sup.currentLeader())
	require.Equal(t, "aaron", fresh.sup.currentLeader())

	// The new leader catches up to the standing target; bravo holds.
	require.Equal(t, "2.0.0", fresh.sup.Member().PackageVersion)
	require.Equal(t, "2.0.0", b.sup.Member().PackageVersion)

	// Advance the target; everyone converges with no downgrade ever
	// observed on bravo.
	require.NoError(t, b.sup.SetTarget("3.0.0"))
	settle(t, 4, fresh, b)
	require.Equal(t, "3.0.0", fresh.sup.Member().PackageVersion)
	require.Equal(t, "3.0.0", b.sup.Member().PackageVersion)

	history := b.installer.History()
	previous := history[0]
	for _, v := range history[1:] {
		prev, err := rollout.ParseVersion(previous)
		require.NoError(t, err)
		next, err := rollout.ParseVersion(v)
		require.NoError(t, err)
		require.True(t, next.GreaterThan(prev), "version history %v regressed", history)
		previous = v
	}
	require.Equal(t, []string{"1.0.0", "2.0.0", "3.0.0"}, history)
}

func TestDepartedMemberExcludedFromCensus(t *testing.T) {
	store := storage.NewMemoryMemberStore()
	targets := newFakeTargets()

	a := newTestNode(t, "alpha", store, targets, "1.0.0")
	b := newTestNode(t, "bravo", store, targets, "1.0.0")
	settle(t, 3, a, b)

	aMember := a.sup.Member()
	require.NoError(t, store.DeclareDeparted(&aMember))
	settle(t, 3, b)

	grp := b.sup.Census()
	require.Equal(t, "bravo", grp.LeaderID)
	require.Equal(t, 1, grp.QuorumSize)

	departed := grp.Members["alpha"]
	require.Equal(t, cluster.HealthDeparted, departed.Health)
}
