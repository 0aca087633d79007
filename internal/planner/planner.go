// Package planner turns the local snapshot, the replicated snapshot and the
// last synced baseline into the operations and conflicts of one sync pass.
package planner

import (
	"maps"
	"peersync/internal/model"
	"slices"
	"strings"
	"time"
)

type Input struct {
	// Local is the scanned workspace; it never holds tombstones.
	Local map[string]model.FileEntry
	// Remote is the winning log entry per path, tombstones included.
	Remote map[string]model.FileEntry
	// Base is the entry each path had when it was last in sync.
	Base map[string]model.FileEntry
	// Author stamps uploads and tombstones produced by this node.
	Author string
	// At is the deletion time recorded in new tombstones.
	At time.Time
}

// Only restricts the input to the given paths.
func (in Input) Only(paths ...string) Input {
	pick := func(m map[string]model.FileEntry) map[string]model.FileEntry {
		out := make(map[string]model.FileEntry, len(paths))
		for _, p := range paths {
			if e, ok := m[p]; ok {
				out[p] = e
			}
		}
		return out
	}

	return Input{
		Local:  pick(in.Local),
		Remote: pick(in.Remote),
		Base:   pick(in.Base),
		Author: in.Author,
		At:     in.At,
	}
}

// Without drops paths, and everything below them, from every side of the
// input. Used for paths that exist locally but could not be read: leaving
// them out keeps the pass from mistaking them for deletions.
func (in Input) Without(paths ...string) Input {
	if len(paths) == 0 {
		return in
	}

	excluded := func(p string) bool {
		for _, x := range paths {
			if p == x || strings.HasPrefix(p, x+"/") {
				return true
			}
		}
		return false
	}
	drop := func(m map[string]model.FileEntry) map[string]model.FileEntry {
		out := make(map[string]model.FileEntry, len(m))
		for p, e := range m {
			if !excluded(p) {
				out[p] = e
			}
		}
		return out
	}

	return Input{
		Local:  drop(in.Local),
		Remote: drop(in.Remote),
		Base:   drop(in.Base),
		Author: in.Author,
		At:     in.At,
	}
}

type Plan struct {
	Operations []model.SyncOperation
	Conflicts  []model.ConflictInfo
	// Adopt lists paths already identical on both sides whose baseline is
	// missing or stale.
	Adopt []model.FileEntry
	// Forget lists baseline paths that no longer exist anywhere.
	Forget []string
}

func (p Plan) Empty() bool {
	return len(p.Operations) == 0 && len(p.Conflicts) == 0
}

// Build is a pure function of its input; results are ordered by path.
func Build(in Input) Plan {
	paths := make(map[string]struct{}, len(in.Local)+len(in.Remote))
	for p := range in.Local {
		paths[p] = struct{}{}
	}
	for p := range in.Remote {
		paths[p] = struct{}{}
	}
	for p := range in.Base {
		paths[p] = struct{}{}
	}

	var plan Plan
	for _, path := range slices.Sorted(maps.Keys(paths)) {
		local, hasLocal := in.Local[path]
		remote, hasRemote := in.Remote[path]
		base, hasBase := in.Base[path]

		switch {
		case hasLocal && hasRemote && remote.Live():
			planBoth(&plan, in, local, remote, base, hasBase)
		case hasLocal && !hasRemote:
			plan.Operations = append(plan.Operations, upload(in, local, versionAfter(base, hasBase)))
		case hasLocal && hasRemote:
			planRemoteDeleted(&plan, in, local, remote, base, hasBase)
		case hasRemote && remote.Live():
			planLocalDeleted(&plan, in, remote, base, hasBase)
		case hasBase:
			plan.Forget = append(plan.Forget, path)
		}
	}

	return plan
}

func planBoth(plan *Plan, in Input, local, remote, base model.FileEntry, hasBase bool) {
	if local.Hash == remote.Hash {
		if !hasBase || base.Hash != remote.Hash || base.Version != remote.Version {
			plan.Adopt = append(plan.Adopt, remote)
		}
		return
	}

	if !hasBase {
		plan.Conflicts = append(plan.Conflicts, conflict(in, model.ConflictBothModified, &local, &remote, nil))
		return
	}

	localChanged := local.Hash != base.Hash
	remoteChanged := remote.Hash != base.Hash

	switch {
	case localChanged && remoteChanged:
		plan.Conflicts = append(plan.Conflicts, conflict(in, model.ConflictBothModified, &local, &remote, &base))
	case localChanged:
		plan.Operations = append(plan.Operations, upload(in, local, max(base.Version, remote.Version)+1))
	case remote.Version > base.Version:
		plan.Operations = append(plan.Operations, model.NewDownload(remote))
	default:
		plan.Conflicts = append(plan.Conflicts, conflict(in, model.ConflictContentModified, &local, &remote, &base))
	}
}

func planRemoteDeleted(plan *Plan, in Input, local, tombstone, base model.FileEntry, hasBase bool) {
	switch {
	case !hasBase:
		plan.Operations = append(plan.Operations, upload(in, local, tombstone.Version+1))
	case local.Hash == base.Hash:
		plan.Operations = append(plan.Operations, model.NewLocalDelete(tombstone))
	default:
		plan.Conflicts = append(plan.Conflicts, conflict(in, model.ConflictDeletedRemotely, &local, &tombstone, &base))
	}
}

func planLocalDeleted(plan *Plan, in Input, remote, base model.FileEntry, hasBase bool) {
	switch {
	case !hasBase:
		plan.Operations = append(plan.Operations, model.NewDownload(remote))
	case remote.Hash == base.Hash:
		tomb := remote.Tombstone(in.Author, max(base.Version, remote.Version)+1, in.At)
		plan.Operations = append(plan.Operations, model.NewDelete(tomb))
	default:
		plan.Conflicts = append(plan.Conflicts, conflict(in, model.ConflictDeletedLocally, nil, &remote, &base))
	}
}

func upload(in Input, local model.FileEntry, version uint64) model.SyncOperation {
	local.Version = version
	local.Author = in.Author
	local.Deleted = false
	return model.NewUpload(local)
}

func versionAfter(base model.FileEntry, hasBase bool) uint64 {
	if !hasBase {
		return 1
	}
	return base.Version + 1
}

func conflict(in Input, typ model.ConflictType, local, remote, base *model.FileEntry) model.ConflictInfo {
	return model.ConflictInfo{
		Path:       firstPath(local, remote, base),
		Type:       typ,
		Local:      local,
		Remote:     remote,
		Base:       base,
		DetectedAt: in.At,
	}
}

func firstPath(entries ...*model.FileEntry) string {
	for _, e := range entries {
		if e != nil {
			return e.Path
		}
	}
	return ""
}
