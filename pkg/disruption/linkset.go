package disruption

import (
	"sort"

	"github.com/grafana/netsplit/pkg/topology"
)

// LinkSet maps a member to the peers its traffic toward is disrupted.
type LinkSet map[topology.MemberID][]topology.MemberID

// Edge is a directed member to peer link
type Edge struct {
	From topology.MemberID
	To   topology.MemberID
}

// newLinkSet links every member of each SplitCluster to every member of every other
// SplitCluster, in both directions. Members of the same SplitCluster are never linked.
func newLinkSet(splits []SplitCluster) LinkSet {
	links := LinkSet{}
	for i := 0; i < len(splits); i++ {
		for j := i + 1; j < len(splits); j++ {
			for _, m := range splits[i].members {
				links[m] = append(links[m], splits[j].members...)
			}
			for _, m := range splits[j].members {
				links[m] = append(links[m], splits[i].members...)
			}
		}
	}

	for m := range links {
		sortMembers(links[m])
	}

	return links
}

// Peers returns a copy of the peers linked to the member
func (ls LinkSet) Peers(member topology.MemberID) []topology.MemberID {
	peers := make([]topology.MemberID, len(ls[member]))
	copy(peers, ls[member])

	return peers
}

// Linked returns true if traffic from member toward peer is in the LinkSet
func (ls LinkSet) Linked(member, peer topology.MemberID) bool {
	for _, p := range ls[member] {
		if p == peer {
			return true
		}
	}

	return false
}

// Members returns the sorted members that have at least one peer
func (ls LinkSet) Members() []topology.MemberID {
	members := make([]topology.MemberID, 0, len(ls))
	for m := range ls {
		members = append(members, m)
	}
	sortMembers(members)

	return members
}

// Edges returns every directed link, sorted by member and peer
func (ls LinkSet) Edges() []Edge {
	edges := []Edge{}
	for _, m := range ls.Members() {
		for _, p := range ls[m] {
			edges = append(edges, Edge{From: m, To: p})
		}
	}

	return edges
}

// Copy returns a deep copy of the LinkSet
func (ls LinkSet) Copy() LinkSet {
	cp := make(LinkSet, len(ls))
	for m := range ls {
		cp[m] = ls.Peers(m)
	}

	return cp
}

// Conflicts returns the sorted members whose peers in ls intersect their peers in other
func (ls LinkSet) Conflicts(other LinkSet) []topology.MemberID {
	conflicts := []topology.MemberID{}
	for _, m := range ls.Members() {
		for _, p := range ls[m] {
			if other.Linked(m, p) {
				conflicts = append(conflicts, m)
				break
			}
		}
	}

	return conflicts
}

func sortMembers(members []topology.MemberID) {
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
}
