// Package merge implements the deletion-aware, last-writer-wins three-way
// merge used to reconcile a device's groups with the account document.
//
// Remote-attested deletions are always honored. Local deletions, creations
// and newer local edits are honored only when the local snapshot passes the
// staleness gate against the last synchronized base.
package merge

import (
	"github.com/agentworkforce/tabstash/internal/groups"
)

type Result struct {
	// Merged is the reconciled snapshot. Order is not significant.
	Merged []groups.Group
	// ToPush lists the local groups that won and must be written upstream.
	ToPush []groups.Group
	// Trusted reports the staleness gate decision for this pass.
	Trusted bool
}

// CanTrustLocal reports whether local may be used to signal deletions,
// creations and updates. With no overlap against base, local is trusted only
// when base is empty. Otherwise a single overlapping group whose local clock
// is behind its base clock marks the whole snapshot as rolled back.
func CanTrustLocal(local, base []groups.Group) bool {
	baseByID := groups.Index(base)
	overlap := 0
	for _, lg := range local {
		bg, ok := baseByID[lg.ID]
		if !ok {
			continue
		}
		overlap++
		if lg.Clock() < bg.Clock() {
			return false
		}
	}
	if overlap == 0 {
		return len(base) == 0
	}
	return true
}

// ThreeWay merges local and remote using base as the common ancestor. It is
// pure: inputs are not modified and the same inputs give the same result.
func ThreeWay(local, remote, base []groups.Group) Result {
	baseIDs := groups.IDs(base)
	localIDs := groups.IDs(local)
	remoteByID := groups.Index(remote)
	trusted := CanTrustLocal(local, base)

	merged := make([]groups.Group, 0, len(remote)+len(local))
	position := make(map[string]int, len(remote))
	for _, rg := range remote {
		_, inBase := baseIDs[rg.ID]
		_, inLocal := localIDs[rg.ID]
		if inBase && !inLocal && trusted {
			continue
		}
		position[rg.ID] = len(merged)
		merged = append(merged, rg.Clone())
	}

	var toPush []groups.Group
	for _, lg := range local {
		if rg, ok := remoteByID[lg.ID]; ok {
			if trusted && lg.Clock() > rg.Clock() {
				merged[position[lg.ID]] = lg.Clone()
				toPush = append(toPush, lg.Clone())
			}
			continue
		}
		if _, inBase := baseIDs[lg.ID]; inBase {
			// deleted remotely
			continue
		}
		if trusted {
			merged = append(merged, lg.Clone())
			toPush = append(toPush, lg.Clone())
		}
	}

	return Result{Merged: merged, ToPush: toPush, Trusted: trusted}
}
