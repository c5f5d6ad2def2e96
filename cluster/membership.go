package cluster

import (
	"fmt"
)

// Health is the liveness state of a member as seen by its peers.
type Health int

const (
	HealthAlive Health = iota
	HealthSuspect
	HealthDeparted
)

func (h Health) String() string {
	switch h {
	case HealthAlive:
		return "alive"
	case HealthSuspect:
		return "suspect"
	case HealthDeparted:
		return "departed"
	default:
		return fmt.Sprintf("unknown(%d)", int(h))
	}
}

// Member is one supervisor's published record within a service group.
// Incarnation orders a member's own successive announcements; for a given
// ID only the record with the highest incarnation is authoritative.
type Member struct {
	ID             string
	Hostname       string
	Address        string
	Service        string
	Group          string
	Incarnation    int64
	PackageVersion string
	Health         Health
	Vote           string
	RolloutState   string
	Tags           []string
}

func (m *Member) String() string {
	return fmt.Sprintf("%s@%s [%s.%s] inc=%d version=%s health=%s vote=%s",
		m.ID, m.Address, m.Service, m.Group, m.Incarnation, m.PackageVersion, m.Health, m.Vote)
}

// Supersedes reports whether this record is authoritative over other.
// Records for different identities never supersede one another.
func (m *Member) Supersedes(other *Member) bool {
	if m.ID != other.ID {
		return false
	}
	return m.Incarnation > other.Incarnation
}

// IsEligible reports whether the member may hold or vote for leadership.
func (m *Member) IsEligible() bool {
	return m.Health == HealthAlive
}

func (m *Member) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}

	return false
}

// Suspicion is one member's accusation that another has stopped responding.
type Suspicion struct {
	Suspect   Member
	Accuser   Member
	Timestamp int64
}
