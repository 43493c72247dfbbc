package presence

import "slices"

// ComputeHost picks the first creator in roster order, else the lowest id.
// It returns "" for an empty roster. Input order does not matter.
func ComputeHost(roster []Peer) string {
	if len(roster) == 0 {
		return ""
	}
	sorted := slices.Clone(roster)
	SortRoster(sorted)
	return sorted[0].ID
}

// ComputeHostExcluding is ComputeHost over roster without id.
func ComputeHostExcluding(roster []Peer, id string) string {
	others := make([]Peer, 0, len(roster))
	for _, p := range roster {
		if p.ID != id {
			others = append(others, p)
		}
	}
	return ComputeHost(others)
}
