package census

import (
	"testing"

	"github.com/drover-io/drover/cluster"
	"github.com/stretchr/testify/require"
)

func TestElectSmallestIDWins(t *testing.T) {
	g := Rebuild("web", "default", []cluster.Member{
		member("charlie", "1.0.0", cluster.HealthAlive),
		member("alpha", "1.0.0", cluster.HealthAlive),
		member("bravo", "1.0.0", cluster.HealthAlive),
	})

	leader, ok := Elect(g, "")
	require.True(t, ok)
	require.Equal(t, "alpha", leader)
}

func TestElectIsDeterministic(t *testing.T) {
	members := []cluster.Member{
		member("node-3", "1.0.0", cluster.HealthAlive),
		member("node-1", "1.0.0", cluster.HealthAlive),
		member("node-2", "1.0.0", cluster.HealthAlive),
	}

	first, _ := Elect(Rebuild("web", "default", members), "")
	second, _ := Elect(Rebuild("web", "default", []cluster.Member{members[2], members[0], members[1]}), "")
	require.Equal(t, first, second)
}

func TestElectSuspendedWithoutQuorum(t *testing.T) {
	g := Rebuild("web", "default", []cluster.Member{
		member("alpha", "1.0.0", cluster.HealthSuspect),
		member("bravo", "1.0.0", cluster.HealthAlive),
		member("charlie", "1.0.0", cluster.HealthSuspect),
	})

	leader, ok := Elect(g, "bravo")
	require.False(t, ok)
	require.Empty(t, leader)
}

func TestElectIncumbentContinuity(t *testing.T) {
	// bravo holds the seat; alpha joining with a smaller id must not
	// take it over.
	g := Rebuild("web", "default", []cluster.Member{
		member("alpha", "1.0.0", cluster.HealthAlive),
		member("bravo", "1.0.0", cluster.HealthAlive),
		member("charlie", "1.0.0", cluster.HealthAlive),
	})

	leader, ok := Elect(g, "bravo")
	require.True(t, ok)
	require.Equal(t, "bravo", leader)
}

func TestElectReplacesDeadIncumbent(t *testing.T) {
	g := Rebuild("web", "default", []cluster.Member{
		member("alpha", "1.0.0", cluster.HealthDeparted),
		member("bravo", "1.0.0", cluster.HealthAlive),
		member("charlie", "1.0.0", cluster.HealthAlive),
	})

	leader, ok := Elect(g, "alpha")
	require.True(t, ok)
	require.Equal(t, "bravo", leader)
}

func TestElectIgnoresUnknownIncumbent(t *testing.T) {
	g := Rebuild("web", "default", []cluster.Member{
		member("bravo", "1.0.0", cluster.HealthAlive),
	})

	leader, ok := Elect(g, "ghost")
	require.True(t, ok)
	require.Equal(t, "bravo", leader)
}
