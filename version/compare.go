package version

import (
	"context"
	"strconv"

	"resync/resource"
)

// Severity ranks how disruptive a difference is to an automatic merge.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// DiffResolution is the suggested handling for a single difference. This is
// a separate vocabulary from ResolutionStrategy: it advises the merge
// machinery, not the conflict workflow.
type DiffResolution string

const (
	DiffManual     DiffResolution = "manual"
	DiffMerge      DiffResolution = "merge"
	DiffKeepTarget DiffResolution = "keep-target"
)

// Difference is one field-level divergence between two version nodes.
type Difference struct {
	Field       string         `json:"field"`
	SourceValue string         `json:"sourceValue"`
	TargetValue string         `json:"targetValue"`
	Severity    Severity       `json:"severity"`
	Suggested   DiffResolution `json:"suggested"`
}

// Comparison is the result of comparing two versions of one resource.
type Comparison struct {
	ResourceID      string       `json:"resourceId"`
	SourceID        string       `json:"sourceId"`
	TargetID        string       `json:"targetId"`
	CommonAncestor  string       `json:"commonAncestor,omitempty"`
	Differences     []Difference `json:"differences"`
	MergeComplexity float64      `json:"mergeComplexity"`
	CanAutoMerge    bool         `json:"canAutoMerge"`
}

// Compare finds the nearest common ancestor of two versions and scores their
// differences. A content-hash difference normally demands manual handling;
// when the recorded change operations on the two sides touch disjoint
// fields, it is downgraded to a merge suggestion so an automatic three-way
// merge can proceed.
func (m *Manager) Compare(ctx context.Context, resourceID, sourceID, targetID string) (*Comparison, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.compareLocked(resourceID, sourceID, targetID)
}

func (m *Manager) compareLocked(resourceID, sourceID, targetID string) (*Comparison, error) {
	tree := m.trees[resourceID]
	if tree == nil {
		return nil, &resource.NotFoundError{Kind: "resource", Key: resourceID}
	}
	source := tree[sourceID]
	if source == nil {
		return nil, &resource.NotFoundError{Kind: "version", Key: sourceID}
	}
	target := tree[targetID]
	if target == nil {
		return nil, &resource.NotFoundError{Kind: "version", Key: targetID}
	}

	cmp := &Comparison{
		ResourceID:     resourceID,
		SourceID:       sourceID,
		TargetID:       targetID,
		CommonAncestor: commonAncestor(tree, sourceID, targetID),
	}

	if source.ContentHash != target.ContentHash {
		suggested := DiffManual
		if !changesOverlap(tree, source, target, cmp.CommonAncestor) {
			suggested = DiffMerge
		}
		cmp.Differences = append(cmp.Differences, Difference{
			Field:       "contentHash",
			SourceValue: source.ContentHash,
			TargetValue: target.ContentHash,
			Severity:    SeverityHigh,
			Suggested:   suggested,
		})
	}
	if source.MetadataHash != target.MetadataHash {
		cmp.Differences = append(cmp.Differences, Difference{
			Field:       "metadataHash",
			SourceValue: source.MetadataHash,
			TargetValue: target.MetadataHash,
			Severity:    SeverityMedium,
			Suggested:   DiffMerge,
		})
	}
	if source.Version != target.Version {
		cmp.Differences = append(cmp.Differences, Difference{
			Field:       "version",
			SourceValue: strconv.Itoa(source.Version),
			TargetValue: strconv.Itoa(target.Version),
			Severity:    SeverityLow,
			Suggested:   DiffKeepTarget,
		})
	}

	cmp.CanAutoMerge = true
	for _, d := range cmp.Differences {
		switch d.Severity {
		case SeverityLow:
			cmp.MergeComplexity += 0.1
		case SeverityMedium:
			cmp.MergeComplexity += 0.3
		case SeverityHigh:
			cmp.MergeComplexity += 0.6
		}
		if d.Suggested == DiffManual {
			cmp.CanAutoMerge = false
		}
	}
	if cmp.MergeComplexity > 1.0 {
		cmp.MergeComplexity = 1.0
	}

	return cmp, nil
}

// commonAncestor walks the two parent chains in alternation, marking visited
// ids; the first id seen from both sides is the nearest common ancestor.
// Returns empty when the chains never meet.
func commonAncestor(tree map[string]*resource.VersionNode, a, b string) string {
	seen := make(map[string]bool)
	for a != "" || b != "" {
		if a != "" {
			if seen[a] {
				return a
			}
			seen[a] = true
			a = parentOf(tree, a)
		}
		if b != "" {
			if seen[b] {
				return b
			}
			seen[b] = true
			b = parentOf(tree, b)
		}
	}
	return ""
}

func parentOf(tree map[string]*resource.VersionNode, id string) string {
	node := tree[id]
	if node == nil {
		return ""
	}
	return node.Parent
}

// changesOverlap reports whether the change operations recorded along the two
// sides since the common ancestor touch any common field. With no ancestor
// only the endpoint nodes' own changes are considered.
func changesOverlap(tree map[string]*resource.VersionNode, source, target *resource.VersionNode, ancestor string) bool {
	sourceFields := sideFields(tree, source, ancestor)
	targetFields := sideFields(tree, target, ancestor)
	for f := range sourceFields {
		if targetFields[f] {
			return true
		}
	}
	return false
}

// sideFields collects the fields touched on the path from a node back to the
// ancestor, exclusive of the ancestor itself.
func sideFields(tree map[string]*resource.VersionNode, node *resource.VersionNode, ancestor string) map[string]bool {
	fields := make(map[string]bool)
	for id := node.ID; id != "" && id != ancestor; {
		n := tree[id]
		if n == nil {
			break
		}
		for _, op := range n.Metadata.Changes {
			fields[op.Field] = true
		}
		if ancestor == "" {
			// No ancestor to stop at: only the endpoint's own changes count.
			break
		}
		id = n.Parent
	}
	return fields
}
