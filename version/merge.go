package version

import (
	"context"
	"fmt"

	"resync/cas"
	"resync/resource"
)

// Resolution is the caller's decision for resolving a reported conflict.
// LocalVersion and RemoteVersion carry the two sides; ResolvedVersion is the
// externally produced result required by the manual strategy.
type Resolution struct {
	Strategy        resource.ResolutionStrategy
	ResolvedBy      string
	LocalVersion    *resource.ResourceVersion
	RemoteVersion   *resource.ResourceVersion
	ResolvedVersion *resource.ResourceVersion
}

// Merge reconciles two versions of a resource into a new node whose parent
// is the target. Strategies other than manual are refused when the
// comparison forbids automatic merging. The merge node records MergeInfo and
// a synthetic change operation; when the source id is an active branch's
// head, that branch is marked merged.
func (m *Manager) Merge(ctx context.Context, resourceID, sourceID, targetID string, strategy resource.MergeStrategy, mergedBy string) (*resource.VersionNode, error) {
	if !strategy.IsValid() {
		return nil, &resource.ValidationError{Reason: fmt.Sprintf("unsupported merge strategy: %s", strategy)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cmp, err := m.compareLocked(resourceID, sourceID, targetID)
	if err != nil {
		return nil, err
	}
	if !cmp.CanAutoMerge && strategy != resource.MergeManual {
		return nil, &resource.ValidationError{
			Reason: fmt.Sprintf("cannot auto-merge %s into %s: differences require manual resolution", sourceID, targetID),
		}
	}

	tree := m.trees[resourceID]
	source := tree[sourceID]
	target := tree[targetID]

	merged := resource.ResourceVersion{
		ResourceID:   resourceID,
		Version:      maxInt(source.Version, target.Version) + 1,
		LastModified: cas.NowMs(),
		ModifiedBy:   mergedBy,
	}

	switch strategy {
	case resource.MergeOurs:
		merged.ContentHash = source.ContentHash
		merged.MetadataHash = source.MetadataHash
	case resource.MergeTheirs, resource.MergeThreeWay:
		merged.ContentHash = target.ContentHash
		merged.MetadataHash = target.MetadataHash
	case resource.MergeRecursive:
		ancestor := tree[cmp.CommonAncestor]
		merged.ContentHash = pickSide(source.ContentHash, target.ContentHash, ancestorHash(ancestor, false))
		merged.MetadataHash = pickSide(source.MetadataHash, target.MetadataHash, ancestorHash(ancestor, true))
	case resource.MergeManual:
		return nil, &resource.ValidationError{Reason: "manual merge requires a supplied resolution"}
	}

	now := merged.LastModified
	op := resource.ChangeOperation{
		Type:       resource.ChangeUpdated,
		ResourceID: resourceID,
		Field:      "merge",
		OldValue:   sourceID,
		NewValue:   targetID,
		Timestamp:  now,
		ChangedBy:  mergedBy,
		Context:    fmt.Sprintf("merged %s into %s using %s", sourceID, targetID, strategy),
	}
	op.Checksum = op.ComputeChecksum()

	var resolved []string
	for _, d := range cmp.Differences {
		resolved = append(resolved, d.Field)
	}
	info := &resource.MergeInfo{
		SourceVersions:    []string{sourceID, targetID},
		Strategy:          strategy,
		MergedBy:          mergedBy,
		MergedAt:          now,
		ResolvedConflicts: resolved,
	}

	node, err := m.createLocked(ctx, resourceID, merged,
		[]resource.ChangeOperation{op},
		fmt.Sprintf("merge of %s into %s", sourceID, targetID),
		targetID, info)
	if err != nil {
		return nil, err
	}

	if err := m.markBranchMergedLocked(ctx, resourceID, sourceID); err != nil {
		return nil, err
	}

	m.logger.Debug().
		Str("resource", resourceID).
		Str("source", sourceID).
		Str("target", targetID).
		Str("strategy", string(strategy)).
		Str("merged", node.ID).
		Msg("merged versions")

	return copyNode(node), nil
}

// markBranchMergedLocked retires branches whose head was just merged in as a
// source.
func (m *Manager) markBranchMergedLocked(ctx context.Context, resourceID, sourceID string) error {
	changed := false
	for _, info := range m.branches[resourceID] {
		if info.Head == sourceID && info.Status == resource.BranchActive {
			info.Status = resource.BranchMerged
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return m.persistBranchesLocked(ctx)
}

// ResolveConflict applies a resolution decision and records the outcome as a
// new version node on top of the resource's head. The strategy dispatch is
// exhaustive; create-branch is handled by CreateBranch, not here.
func (m *Manager) ResolveConflict(ctx context.Context, resourceID string, conflict *resource.ConflictInfo, res Resolution) (*resource.VersionNode, error) {
	if conflict == nil {
		return nil, &resource.ValidationError{Reason: "conflict info required"}
	}

	var winner *resource.ResourceVersion
	switch res.Strategy {
	case resource.ResolveLocalWins:
		if res.LocalVersion == nil {
			return nil, &resource.ValidationError{Reason: "local version required for local-wins resolution"}
		}
		winner = res.LocalVersion
	case resource.ResolveRemoteWins:
		if res.RemoteVersion == nil {
			return nil, &resource.ValidationError{Reason: "remote version required for remote-wins resolution"}
		}
		winner = res.RemoteVersion
	case resource.ResolveMerge:
		if res.LocalVersion == nil || res.RemoteVersion == nil {
			return nil, &resource.ValidationError{Reason: "both versions required for merge resolution"}
		}
		winner = reconcile(res.LocalVersion, res.RemoteVersion)
	case resource.ResolveManual:
		if res.ResolvedVersion == nil {
			return nil, &resource.ValidationError{Reason: "manual resolution requires a resolved version"}
		}
		winner = res.ResolvedVersion
	default:
		return nil, &resource.ValidationError{Reason: fmt.Sprintf("unsupported resolution strategy: %s", res.Strategy)}
	}

	next := resource.ResourceVersion{
		ResourceID:   resourceID,
		Version:      winner.Version + 1,
		ContentHash:  winner.ContentHash,
		MetadataHash: winner.MetadataHash,
		LastModified: cas.NowMs(),
		ModifiedBy:   res.ResolvedBy,
	}
	if res.LocalVersion != nil && res.RemoteVersion != nil {
		next.Version = maxInt(res.LocalVersion.Version, res.RemoteVersion.Version) + 1
	}

	op := resource.ChangeOperation{
		Type:       resource.ChangeUpdated,
		ResourceID: resourceID,
		Field:      "conflict-resolution",
		NewValue:   winner.ContentHash,
		Timestamp:  next.LastModified,
		ChangedBy:  res.ResolvedBy,
		Context:    fmt.Sprintf("resolved %s conflict using %s", conflict.Type, res.Strategy),
	}
	op.Checksum = op.ComputeChecksum()

	m.mu.Lock()
	defer m.mu.Unlock()

	node, err := m.createLocked(ctx, resourceID, next,
		[]resource.ChangeOperation{op},
		fmt.Sprintf("conflict resolution (%s)", res.Strategy),
		"", nil)
	if err != nil {
		return nil, err
	}

	m.logger.Debug().
		Str("resource", resourceID).
		Str("strategy", string(res.Strategy)).
		Str("id", node.ID).
		Msg("resolved conflict")

	return copyNode(node), nil
}

// reconcile merges two version fingerprints: the more recently modified
// side's hashes win, local on ties.
func reconcile(local, remote *resource.ResourceVersion) *resource.ResourceVersion {
	merged := *local
	if remote.LastModified > local.LastModified {
		merged.ContentHash = remote.ContentHash
		merged.MetadataHash = remote.MetadataHash
		merged.LastModified = remote.LastModified
	}
	if remote.Version > merged.Version {
		merged.Version = remote.Version
	}
	return &merged
}

// pickSide is the three-way field rule: the side that changed relative to
// the ancestor wins; when both changed, the target side wins.
func pickSide(source, target, ancestor string) string {
	if ancestor == "" {
		return target
	}
	if source == ancestor {
		return target
	}
	if target == ancestor {
		return source
	}
	return target
}

func ancestorHash(node *resource.VersionNode, metadata bool) string {
	if node == nil {
		return ""
	}
	if metadata {
		return node.MetadataHash
	}
	return node.ContentHash
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
