package storage

import (
	"github.com/drover-io/drover/cluster"
)

// MemberStore is the membership substrate: supervisors announce their own
// record into it and read their peers' records back out of it.
type MemberStore interface {
	GetMembers(service, group string) ([]cluster.Member, error)
	Announce(member *cluster.Member) error
	GetSuspicions(member *cluster.Member) ([]cluster.Suspicion, error)
	RemoveSuspicions(member *cluster.Member) error
	LatestSuspicion(member *cluster.Member) (*cluster.Suspicion, error)
	DeclareDeparted(member *cluster.Member) error
	DeclareSuspect(accuser, suspect *cluster.Member) error
}
