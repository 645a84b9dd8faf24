// Package targetresolver turns a Rollout's Selector into a concrete,
// deterministically-ordered list of node IDs. It is pure: given the same
// node set and selector it always returns the same answer, so the Tick
// Driver can re-resolve on every tick without side effects.
package targetresolver

import (
	"fmt"
	"sort"

	"github.com/sentinelcp/control-plane/store"
)

// Resolve expands sel against the given candidate nodes (already scoped to
// the rollout's project) and returns the matching node IDs in stable
// (sorted) order.
func Resolve(sel store.Selector, nodes []*store.Node) ([]string, error) {
	switch sel.Type {
	case "all":
		return resolveAll(nodes), nil
	case "labels":
		return resolveLabels(sel.Labels, nodes), nil
	case "node_ids":
		return resolveIDs(sel.NodeIDs, nodes), nil
	case "groups":
		return resolveGroups(sel.GroupIDs, nodes), nil
	default:
		return nil, fmt.Errorf("unknown selector type %q", sel.Type)
	}
}

func resolveAll(nodes []*store.Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.NodeID)
	}
	sort.Strings(ids)
	return ids
}

// resolveLabels selects nodes whose labels contain every given key:value
// pair exactly (an AND match over the whole map, not a substring match).
func resolveLabels(want map[string]string, nodes []*store.Node) []string {
	var ids []string
	for _, n := range nodes {
		if hasAllLabels(n.Labels, want) {
			ids = append(ids, n.NodeID)
		}
	}
	sort.Strings(ids)
	return ids
}

func hasAllLabels(nodeLabels, want map[string]string) bool {
	if len(want) == 0 {
		return false
	}
	for k, v := range want {
		if nodeLabels[k] != v {
			return false
		}
	}
	return true
}

func resolveIDs(wantIDs []string, nodes []*store.Node) []string {
	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		known[n.NodeID] = true
	}

	var ids []string
	for _, id := range wantIDs {
		if known[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// resolveGroups selects the union of every node belonging to any of
// wantGroups.
func resolveGroups(wantGroups []string, nodes []*store.Node) []string {
	want := make(map[string]bool, len(wantGroups))
	for _, g := range wantGroups {
		want[g] = true
	}

	var ids []string
	for _, n := range nodes {
		if inAnyGroup(n.GroupIDs, want) {
			ids = append(ids, n.NodeID)
		}
	}
	sort.Strings(ids)
	return ids
}

func inAnyGroup(nodeGroups []string, want map[string]bool) bool {
	for _, g := range nodeGroups {
		if want[g] {
			return true
		}
	}
	return false
}
