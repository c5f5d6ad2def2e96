package storage

import (
	"sync"
	"time"

	"github.com/drover-io/drover/cluster"
)

type memberKey struct {
	Service string
	Group   string
	ID      string
}

// MemoryStore is an in-process membership substrate with the same
// semantics as the Postgres store. Useful for single-host development and
// for driving multi-supervisor simulations in tests.
type MemoryStore struct {
	mu         sync.Mutex
	members    map[memberKey]cluster.Member
	suspicions map[memberKey]map[string]int64
}

func NewMemoryMemberStore() *MemoryStore {
	return &MemoryStore{
		members:    make(map[memberKey]cluster.Member),
		suspicions: make(map[memberKey]map[string]int64),
	}
}

func keyFor(m *cluster.Member) memberKey {
	return memberKey{Service: m.Service, Group: m.Group, ID: m.ID}
}

func (s *MemoryStore) GetMembers(service, group string) ([]cluster.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]cluster.Member, 0)
	for key, m := range s.members {
		if key.Service == service && key.Group == group {
			records = append(records, m)
		}
	}
	return records, nil
}

func (s *MemoryStore) Announce(member *cluster.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[keyFor(member)] = *member
	return nil
}

func (s *MemoryStore) GetSuspicions(member *cluster.Member) ([]cluster.Suspicion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]cluster.Suspicion, 0)
	for accuser, ts := range s.suspicions[keyFor(member)] {
		records = append(records, cluster.Suspicion{
			Suspect:   *member,
			Accuser:   cluster.Member{ID: accuser, Service: member.Service, Group: member.Group},
			Timestamp: ts,
		})
	}
	return records, nil
}

func (s *MemoryStore) RemoveSuspicions(member *cluster.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.suspicions, keyFor(member))
	return nil
}

func (s *MemoryStore) LatestSuspicion(member *cluster.Member) (*cluster.Suspicion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *cluster.Suspicion
	for accuser, ts := range s.suspicions[keyFor(member)] {
		if latest == nil || ts > latest.Timestamp {
			latest = &cluster.Suspicion{
				Suspect:   *member,
				Accuser:   cluster.Member{ID: accuser, Service: member.Service, Group: member.Group},
				Timestamp: ts,
			}
		}
	}
	return latest, nil
}

func (s *MemoryStore) DeclareDeparted(member *cluster.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyFor(member)
	if m, ok := s.members[key]; ok {
		m.Health = cluster.HealthDeparted
		s.members[key] = m
	}
	return nil
}

func (s *MemoryStore) DeclareSuspect(accuser, suspect *cluster.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyFor(suspect)
	if s.suspicions[key] == nil {
		s.suspicions[key] = make(map[string]int64)
	}
	s.suspicions[key][accuser.ID] = time.Now().UnixMicro()
	return nil
}

// Remove drops a member's record entirely, simulating a process that
// vanished without announcing departure.
func (s *MemoryStore) Remove(member *cluster.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, keyFor(member))
	delete(s.suspicions, keyFor(member))
}
