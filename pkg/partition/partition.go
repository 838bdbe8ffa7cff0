// Package partition translates a set of container-name groups into
// Firewall Controller calls so inter-group traffic is dropped and
// intra-group traffic flows. The chain-group algorithm in ChainGroups is
// the authoritative overlap-resolution strategy for this controller (an
// older, overlap-rejecting algorithm exists in the lineage this is
// modeled on but is superseded — see DESIGN.md).
package partition

import (
	"context"
	"fmt"

	"github.com/cuemby/blockade/pkg/firewall"
	"github.com/cuemby/blockade/pkg/types"
)

// Expand applies the §4.6 expansion rules to a raw, possibly-overlapping
// input partition set:
//  1. any name in no input set is appended to an implicit leftover set
//  2. neutral names are additionally appended as their own implicit set
//  3. any holy name appearing in an input set is rejected
//
// names is the set of eligible (currently UP) container names.
func Expand(names []string, isHoly, isNeutral func(string) bool, input types.PartitionSet) (types.PartitionSet, error) {
	seen := make(map[string]bool)
	for _, set := range input {
		for _, n := range set {
			if isHoly(n) {
				return nil, fmt.Errorf("holy container %q cannot be partitioned", n)
			}
			seen[n] = true
		}
	}

	result := make(types.PartitionSet, 0, len(input)+2)
	result = append(result, input...)

	var leftover []string
	for _, n := range names {
		if !seen[n] {
			leftover = append(leftover, n)
		}
	}
	if len(leftover) > 0 {
		result = append(result, leftover)
	}

	for _, n := range names {
		if isNeutral(n) {
			result = append(result, []string{n})
		}
	}

	return result, nil
}

// ChainGroups resolves a (possibly overlapping) partition set into
// disjoint chain groups, one per eventual firewall chain: iterate the
// input sets in order; for each container, if it already belongs to an
// existing chain group, remove it from there and spawn a new singleton
// group for it; otherwise accumulate it into a fresh group for the
// current input set.
func ChainGroups(input types.PartitionSet) [][]string {
	var groups [][]string

	indexOf := func(name string) int {
		for i, g := range groups {
			for _, m := range g {
				if m == name {
					return i
				}
			}
		}
		return -1
	}

	removeFrom := func(groupIdx int, name string) {
		g := groups[groupIdx]
		out := g[:0]
		for _, m := range g {
			if m != name {
				out = append(out, m)
			}
		}
		groups[groupIdx] = out
	}

	for _, set := range input {
		var fresh []string
		for _, name := range set {
			if idx := indexOf(name); idx >= 0 {
				removeFrom(idx, name)
				groups = append(groups, []string{name})
				continue
			}
			fresh = append(fresh, name)
		}
		if len(fresh) > 0 {
			groups = append(groups, fresh)
		}
	}

	var pruned [][]string
	for _, g := range groups {
		if len(g) > 0 {
			pruned = append(pruned, g)
		}
	}
	return pruned
}

// Engine applies a resolved partition set to the firewall.
type Engine struct {
	fw *firewall.Controller
}

// New builds a partition Engine.
func New(fw *firewall.Controller) *Engine {
	return &Engine{fw: fw}
}

// Apply clears and, if there is more than one resulting chain group,
// reinstalls the firewall state for topologyID so inter-group traffic is
// dropped. ips maps container name to its current IP; containers with no
// IP are silently excluded, since they can take no part in filter rules.
func (e *Engine) Apply(ctx context.Context, topologyID string, ips map[string]string, input types.PartitionSet) error {
	if err := e.fw.Clear(ctx, topologyID); err != nil {
		return err
	}

	groups := ChainGroups(input)
	if len(groups) <= 1 {
		return nil
	}

	// all IP-having nodes across every group
	allNodes := make(map[string]bool)
	for _, g := range groups {
		for _, name := range g {
			if ip, ok := ips[name]; ok && ip != "" {
				allNodes[ip] = true
			}
		}
	}

	for i, group := range groups {
		chain := firewall.ChainName(topologyID, i+1)
		if err := e.fw.CreateChain(ctx, chain); err != nil {
			return err
		}

		groupIPs := make(map[string]bool)
		for _, name := range group {
			ip, ok := ips[name]
			if !ok || ip == "" {
				continue
			}
			groupIPs[ip] = true
			if err := e.fw.InsertRule(ctx, "FORWARD", ip, "", chain); err != nil {
				return err
			}
		}

		// containers co-located with this group in ANY original input
		// set are exempt from blocking; everyone else is dropped.
		chainPartitionMembers := make(map[string]bool)
		for _, orig := range input {
			intersects := false
			for _, n := range orig {
				if groupContains(group, n) {
					intersects = true
					break
				}
			}
			if !intersects {
				continue
			}
			for _, n := range orig {
				if ip, ok := ips[n]; ok && ip != "" {
					chainPartitionMembers[ip] = true
				}
			}
		}
		for ip := range groupIPs {
			chainPartitionMembers[ip] = true
		}

		for ip := range allNodes {
			if chainPartitionMembers[ip] {
				continue
			}
			if err := e.fw.InsertRule(ctx, chain, "", ip, "DROP"); err != nil {
				return err
			}
		}
	}
	return nil
}

func groupContains(group []string, name string) bool {
	for _, g := range group {
		if g == name {
			return true
		}
	}
	return false
}
