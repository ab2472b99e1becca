// Package resource defines the shared records of the synchronization
// subsystem: version fingerprints, recorded change operations, conflict
// reports, version graph nodes, and branch descriptors.
package resource

import (
	"strconv"

	"resync/cas"
)

// ChangeType classifies a recorded mutation.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeUpdated  ChangeType = "updated"
	ChangeDeleted  ChangeType = "deleted"
	ChangeMoved    ChangeType = "moved"
	ChangeRestored ChangeType = "restored"
)

// IsValid reports whether the change type is one of the known values.
func (c ChangeType) IsValid() bool {
	switch c {
	case ChangeCreated, ChangeUpdated, ChangeDeleted, ChangeMoved, ChangeRestored:
		return true
	}
	return false
}

// ConflictType classifies a detected divergence between two versions.
type ConflictType string

const (
	ConflictContent    ConflictType = "content"
	ConflictMetadata   ConflictType = "metadata"
	ConflictVersion    ConflictType = "version"
	ConflictConcurrent ConflictType = "concurrent"
)

// IsValid reports whether the conflict type is one of the known values.
func (c ConflictType) IsValid() bool {
	switch c {
	case ConflictContent, ConflictMetadata, ConflictVersion, ConflictConcurrent:
		return true
	}
	return false
}

// MergeStrategy selects how two versions are reconciled.
type MergeStrategy string

const (
	MergeOurs      MergeStrategy = "ours"
	MergeTheirs    MergeStrategy = "theirs"
	MergeThreeWay  MergeStrategy = "three-way"
	MergeRecursive MergeStrategy = "recursive"
	MergeManual    MergeStrategy = "manual"
)

// IsValid reports whether the strategy is one of the known values.
func (s MergeStrategy) IsValid() bool {
	switch s {
	case MergeOurs, MergeTheirs, MergeThreeWay, MergeRecursive, MergeManual:
		return true
	}
	return false
}

// ResolutionStrategy selects how a reported conflict is resolved.
type ResolutionStrategy string

const (
	ResolveLocalWins    ResolutionStrategy = "local-wins"
	ResolveRemoteWins   ResolutionStrategy = "remote-wins"
	ResolveMerge        ResolutionStrategy = "merge"
	ResolveManual       ResolutionStrategy = "manual"
	ResolveCreateBranch ResolutionStrategy = "create-branch"
)

// IsValid reports whether the strategy is one of the known values.
func (s ResolutionStrategy) IsValid() bool {
	switch s {
	case ResolveLocalWins, ResolveRemoteWins, ResolveMerge, ResolveManual, ResolveCreateBranch:
		return true
	}
	return false
}

// VersionStatus is the administrative lifecycle state of a version node.
// Nodes are never removed from the graph; archived and deleted are terminal
// in the sense that a node never returns to active.
type VersionStatus string

const (
	StatusActive   VersionStatus = "active"
	StatusArchived VersionStatus = "archived"
	StatusDeleted  VersionStatus = "deleted"
)

// IsValid reports whether the status is one of the known values.
func (s VersionStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusArchived, StatusDeleted:
		return true
	}
	return false
}

// CanTransition reports whether a status change is allowed. Allowed moves are
// active->archived, active->deleted, and archived->deleted.
func (s VersionStatus) CanTransition(to VersionStatus) bool {
	switch s {
	case StatusActive:
		return to == StatusArchived || to == StatusDeleted
	case StatusArchived:
		return to == StatusDeleted
	}
	return false
}

// BranchStatus is the lifecycle state of a branch record.
type BranchStatus string

const (
	BranchActive    BranchStatus = "active"
	BranchMerged    BranchStatus = "merged"
	BranchAbandoned BranchStatus = "abandoned"
)

// IsValid reports whether the status is one of the known values.
func (s BranchStatus) IsValid() bool {
	switch s {
	case BranchActive, BranchMerged, BranchAbandoned:
		return true
	}
	return false
}

// ServerInfo carries the remote-origin fields of a version that was recorded
// from a server descriptor rather than a local edit.
type ServerInfo struct {
	ServerTimestamp int64  `json:"serverTimestamp,omitempty"`
	ETag            string `json:"etag,omitempty"`
	RevisionID      string `json:"revisionId,omitempty"`
}

// ResourceVersion is the immutable fingerprint of a resource at a point in
// time. Version numbers increase monotonically per resource.
type ResourceVersion struct {
	ResourceID      string `json:"resourceId"`
	Version         int    `json:"version"`
	ContentHash     string `json:"contentHash"`
	MetadataHash    string `json:"metadataHash"`
	LastModified    int64  `json:"lastModified"`
	ModifiedBy      string `json:"modifiedBy"`
	ServerTimestamp int64  `json:"serverTimestamp,omitempty"`
	ETag            string `json:"etag,omitempty"`
	RevisionID      string `json:"revisionId,omitempty"`
}

// SameContent reports content equality: both hashes must match.
func (v ResourceVersion) SameContent(other ResourceVersion) bool {
	return v.ContentHash == other.ContentHash && v.MetadataHash == other.MetadataHash
}

// ChangeOperation is one recorded mutation of a resource. Operations are
// append-only and ordered by timestamp.
type ChangeOperation struct {
	Type       ChangeType `json:"type"`
	ResourceID string     `json:"resourceId"`
	Field      string     `json:"field,omitempty"`
	OldValue   string     `json:"oldValue,omitempty"`
	NewValue   string     `json:"newValue,omitempty"`
	Timestamp  int64      `json:"timestamp"`
	ChangedBy  string     `json:"changedBy"`
	Context    string     `json:"context,omitempty"`
	Checksum   string     `json:"checksum,omitempty"`
}

// ComputeChecksum derives the integrity checksum for the operation from its
// identifying fields. Checksums are for traceability, not tamper proofing.
func (c ChangeOperation) ComputeChecksum() string {
	return cas.Checksum(
		string(c.Type),
		c.ResourceID,
		c.Field,
		c.OldValue,
		c.NewValue,
		strconv.FormatInt(c.Timestamp, 10),
		c.ChangedBy,
	)
}

// ConflictInfo describes a divergence between two concurrently modified
// versions, with candidate resolution strategies in preference order.
type ConflictInfo struct {
	Type           ConflictType         `json:"type"`
	Changes        []ChangeOperation    `json:"changes"`
	Suggested      []ResolutionStrategy `json:"suggested"`
	AutoResolvable bool                 `json:"autoResolvable"`
}

// MergeInfo is present only on merge nodes and records how the node was
// produced.
type MergeInfo struct {
	SourceVersions    []string      `json:"sourceVersions"`
	Strategy          MergeStrategy `json:"strategy"`
	MergedBy          string        `json:"mergedBy"`
	MergedAt          int64         `json:"mergedAt"`
	ResolvedConflicts []string      `json:"resolvedConflicts,omitempty"`
}

// VersionMetadata carries the administrative data attached to a version node.
type VersionMetadata struct {
	Tags        []string          `json:"tags,omitempty"`
	Description string            `json:"description,omitempty"`
	Changes     []ChangeOperation `json:"changes,omitempty"`
	Status      VersionStatus     `json:"status"`
	CreatedAt   int64             `json:"createdAt"`
	Size        int               `json:"size"`
}

// VersionNode is one node of a resource's version graph: a recorded
// ResourceVersion plus its graph links. A node's identity, parent, version
// number, and hashes never change after creation.
type VersionNode struct {
	ResourceVersion
	ID       string          `json:"id"`
	Parent   string          `json:"parent,omitempty"`
	Children []string        `json:"children"`
	Branch   string          `json:"branch,omitempty"`
	Merge    *MergeInfo      `json:"merge,omitempty"`
	Metadata VersionMetadata `json:"metadata"`
}

// IsRoot reports whether the node is the root of its resource's graph.
func (n *VersionNode) IsRoot() bool {
	return n.Parent == ""
}

// IsMergeNode reports whether the node was produced by a merge.
func (n *VersionNode) IsMergeNode() bool {
	return n.Merge != nil
}

// BranchInfo describes one branch of a resource's version graph. Branches
// never share a head; creating a branch does not move the source head.
type BranchInfo struct {
	Name        string       `json:"name"`
	Head        string       `json:"head"`
	Base        string       `json:"base"`
	CreatedBy   string       `json:"createdBy"`
	CreatedAt   int64        `json:"createdAt"`
	Description string       `json:"description,omitempty"`
	Status      BranchStatus `json:"status"`
	Versions    []string     `json:"versions"`
}

// Contains reports whether the branch's version list includes the given id.
func (b *BranchInfo) Contains(versionID string) bool {
	for _, v := range b.Versions {
		if v == versionID {
			return true
		}
	}
	return false
}
