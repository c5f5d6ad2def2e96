package census

// Elect computes the group's leader from local state alone. No ballots are
// exchanged: any two supervisors holding the same converged alive set
// reach the same answer without communicating.
//
// Rules, in order:
//  1. Only alive members are eligible; the rest count toward nothing.
//  2. Without quorum there is no leader. A minority partition electing
//     nobody is the safe outcome, not an error.
//  3. A still-alive incumbent keeps the seat. Membership churn alone must
//     not reassign leadership, or every join would thrash the group.
//  4. With the seat open, the smallest member ID wins.
//
// The second return is false when the election is suspended for lack of
// quorum.
func Elect(g *Group, incumbent string) (string, bool) {
	alive := g.Alive()
	if len(alive) < g.QuorumSize {
		return "", false
	}

	if incumbent != "" {
		for _, m := range alive {
			if m.ID == incumbent {
				return incumbent, true
			}
		}
	}

	return alive[0].ID, true
}
