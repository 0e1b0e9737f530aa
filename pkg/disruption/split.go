package disruption

import (
	"fmt"
	"sort"
	"strings"

	"github.com/grafana/netsplit/pkg/topology"
)

// SplitCluster is a group of members treated as one side of a network partition.
// It is immutable; equality is defined by the member set, the label is informative only.
type SplitCluster struct {
	label   string
	members []topology.MemberID
}

// NewSplitCluster returns a SplitCluster with the given members. Duplicates are ignored.
func NewSplitCluster(members ...topology.MemberID) SplitCluster {
	seen := map[topology.MemberID]struct{}{}
	unique := []topology.MemberID{}
	for _, m := range members {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		unique = append(unique, m)
	}

	return SplitCluster{members: unique}
}

// WithLabel returns a copy of the SplitCluster with a debug label
func (s SplitCluster) WithLabel(label string) SplitCluster {
	return SplitCluster{label: label, members: s.members}
}

// Label returns the debug label
func (s SplitCluster) Label() string {
	return s.label
}

// Members returns a copy of the members in the order they were given
func (s SplitCluster) Members() []topology.MemberID {
	members := make([]topology.MemberID, len(s.members))
	copy(members, s.members)

	return members
}

// Len returns the number of members
func (s SplitCluster) Len() int {
	return len(s.members)
}

// Contains returns true if the member belongs to the SplitCluster
func (s SplitCluster) Contains(member topology.MemberID) bool {
	for _, m := range s.members {
		if m == member {
			return true
		}
	}

	return false
}

// Disjoint returns true if no member belongs to both SplitClusters
func (s SplitCluster) Disjoint(other SplitCluster) bool {
	for _, m := range s.members {
		if other.Contains(m) {
			return false
		}
	}

	return true
}

// Key returns a value identifying the member set, suitable as a map key
func (s SplitCluster) Key() string {
	sorted := make([]string, 0, len(s.members))
	for _, m := range s.members {
		sorted = append(sorted, string(m))
	}
	sort.Strings(sorted)

	return strings.Join(sorted, "\x00")
}

// Equal returns true if both SplitClusters have the same members
func (s SplitCluster) Equal(other SplitCluster) bool {
	return s.Len() == other.Len() && s.Key() == other.Key()
}

func (s SplitCluster) String() string {
	if s.label != "" {
		return fmt.Sprintf("%s%v", s.label, s.members)
	}

	return fmt.Sprintf("%v", s.members)
}
