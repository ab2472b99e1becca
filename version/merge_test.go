package version

import (
	"context"
	"errors"
	"strings"
	"testing"

	"resync/resource"
)

// divergentSiblings builds a root with two children that differ in content.
// With overlap=false the children's recorded changes touch distinct fields.
func divergentSiblings(t *testing.T, m *Manager, overlap bool) (root, a, b *resource.VersionNode) {
	t.Helper()

	root = mustCreate(t, m, "res-1", 1, "hash-0", "meta-0", nil, "")
	fieldB := "body"
	if overlap {
		fieldB = "title"
	}
	a = mustCreate(t, m, "res-1", 2, "hash-a", "meta-0",
		[]resource.ChangeOperation{{Type: resource.ChangeUpdated, ResourceID: "res-1", Field: "title", ChangedBy: "alice"}},
		root.ID)
	b = mustCreate(t, m, "res-1", 2, "hash-b", "meta-0",
		[]resource.ChangeOperation{{Type: resource.ChangeUpdated, ResourceID: "res-1", Field: fieldB, ChangedBy: "bob"}},
		root.ID)
	return root, a, b
}

func TestCompareFindsCommonAncestor(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	root, a, b := divergentSiblings(t, m, false)

	cmp, err := m.Compare(ctx, "res-1", a.ID, b.ID)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if cmp.CommonAncestor != root.ID {
		t.Errorf("ancestor = %q, want root %q", cmp.CommonAncestor, root.ID)
	}

	// A node compared against its own descendant yields the node itself.
	child := mustCreate(t, m, "res-1", 3, "hash-c", "meta-0", nil, a.ID)
	cmp, err = m.Compare(ctx, "res-1", a.ID, child.ID)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if cmp.CommonAncestor != a.ID {
		t.Errorf("ancestor = %q, want %q", cmp.CommonAncestor, a.ID)
	}
}

func TestCompareAncestrySymmetry(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, a, b := divergentSiblings(t, m, false)

	ab, err := m.Compare(ctx, "res-1", a.ID, b.ID)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	ba, err := m.Compare(ctx, "res-1", b.ID, a.ID)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if ab.CommonAncestor != ba.CommonAncestor {
		t.Errorf("ancestor not symmetric: %q vs %q", ab.CommonAncestor, ba.CommonAncestor)
	}
}

func TestCompareDifferencesAndComplexity(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	root := mustCreate(t, m, "res-1", 1, "hash-0", "meta-0", nil, "")
	a := mustCreate(t, m, "res-1", 2, "hash-a", "meta-a",
		[]resource.ChangeOperation{{Type: resource.ChangeUpdated, ResourceID: "res-1", Field: "body", ChangedBy: "alice"}},
		root.ID)
	b := mustCreate(t, m, "res-1", 3, "hash-b", "meta-b",
		[]resource.ChangeOperation{{Type: resource.ChangeUpdated, ResourceID: "res-1", Field: "body", ChangedBy: "bob"}},
		root.ID)

	cmp, err := m.Compare(ctx, "res-1", a.ID, b.ID)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if len(cmp.Differences) != 3 {
		t.Fatalf("differences = %d, want content+metadata+version", len(cmp.Differences))
	}

	byField := make(map[string]Difference, 3)
	for _, d := range cmp.Differences {
		byField[d.Field] = d
	}
	if d := byField["contentHash"]; d.Severity != SeverityHigh || d.Suggested != DiffManual {
		t.Errorf("contentHash difference = %+v, want high/manual for overlapping fields", d)
	}
	if d := byField["metadataHash"]; d.Severity != SeverityMedium || d.Suggested != DiffMerge {
		t.Errorf("metadataHash difference = %+v, want medium/merge", d)
	}
	if d := byField["version"]; d.Severity != SeverityLow || d.Suggested != DiffKeepTarget {
		t.Errorf("version difference = %+v, want low/keep-target", d)
	}

	// 0.6 + 0.3 + 0.1 caps at 1.0.
	if cmp.MergeComplexity != 1.0 {
		t.Errorf("MergeComplexity = %v, want 1.0", cmp.MergeComplexity)
	}
	if cmp.CanAutoMerge {
		t.Error("overlapping content changes must not auto-merge")
	}
}

func TestCompareDisjointContentAutoMergeable(t *testing.T) {
	m, _ := newTestManager(t)

	_, a, b := divergentSiblings(t, m, false)

	cmp, err := m.Compare(context.Background(), "res-1", a.ID, b.ID)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if len(cmp.Differences) != 1 || cmp.Differences[0].Field != "contentHash" {
		t.Fatalf("differences = %+v, want only contentHash", cmp.Differences)
	}
	if cmp.Differences[0].Suggested != DiffMerge {
		t.Errorf("suggested = %q, want merge for disjoint fields", cmp.Differences[0].Suggested)
	}
	if !cmp.CanAutoMerge {
		t.Error("disjoint content changes should auto-merge")
	}
}

func TestCompareMissingVersion(t *testing.T) {
	m, _ := newTestManager(t)
	node := mustCreate(t, m, "res-1", 1, "hash-1", "meta-1", nil, "")

	_, err := m.Compare(context.Background(), "res-1", node.ID, "v9-nope-zzz")
	var nf *resource.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("error = %v, want NotFoundError", err)
	}
}

func TestThreeWayMergeDisjointContent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, a, b := divergentSiblings(t, m, false)

	merged, err := m.Merge(ctx, "res-1", a.ID, b.ID, resource.MergeThreeWay, "bot")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if merged.Version != 3 {
		t.Errorf("merged version = %d, want max(2,2)+1 = 3", merged.Version)
	}
	if merged.Parent != b.ID {
		t.Errorf("merged parent = %q, want target %q", merged.Parent, b.ID)
	}
	if merged.ContentHash != b.ContentHash || merged.MetadataHash != b.MetadataHash {
		t.Errorf("three-way hashes = %q/%q, want target's", merged.ContentHash, merged.MetadataHash)
	}
	if !merged.IsMergeNode() {
		t.Fatal("merge node missing MergeInfo")
	}
	if merged.Merge.Strategy != resource.MergeThreeWay || merged.Merge.MergedBy != "bot" {
		t.Errorf("MergeInfo = %+v", merged.Merge)
	}
	if len(merged.Merge.SourceVersions) != 2 ||
		merged.Merge.SourceVersions[0] != a.ID || merged.Merge.SourceVersions[1] != b.ID {
		t.Errorf("SourceVersions = %v, want [%s %s]", merged.Merge.SourceVersions, a.ID, b.ID)
	}
	if len(merged.Metadata.Changes) != 1 || merged.Metadata.Changes[0].Field != "merge" {
		t.Errorf("merge change operation = %+v", merged.Metadata.Changes)
	}

	head, err := m.Head(ctx, "res-1")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head != merged.ID {
		t.Errorf("head = %q, want merged node %q", head, merged.ID)
	}
}

func TestMergeRefusedWhenManualRequired(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, a, b := divergentSiblings(t, m, true)

	headBefore, err := m.Head(ctx, "res-1")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}

	for _, strategy := range []resource.MergeStrategy{
		resource.MergeOurs, resource.MergeTheirs, resource.MergeThreeWay, resource.MergeRecursive,
	} {
		_, err := m.Merge(ctx, "res-1", a.ID, b.ID, strategy, "bot")
		var ve *resource.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("%s: error = %v, want ValidationError", strategy, err)
		}
	}

	// Manual is not refused by the auto-merge gate but still needs a
	// supplied resolution.
	if _, err := m.Merge(ctx, "res-1", a.ID, b.ID, resource.MergeManual, "bot"); err == nil {
		t.Error("manual merge without a resolution should fail")
	}

	// Refused merges are never partially applied.
	headAfter, err := m.Head(ctx, "res-1")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if headAfter != headBefore {
		t.Errorf("head moved from %q to %q across refused merges", headBefore, headAfter)
	}
}

func TestMergeOursKeepsSource(t *testing.T) {
	m, _ := newTestManager(t)

	_, a, b := divergentSiblings(t, m, false)

	merged, err := m.Merge(context.Background(), "res-1", a.ID, b.ID, resource.MergeOurs, "bot")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if merged.ContentHash != a.ContentHash {
		t.Errorf("ours content = %q, want source %q", merged.ContentHash, a.ContentHash)
	}
}

func TestMergeRecursiveTakesChangedSides(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	root := mustCreate(t, m, "res-1", 1, "hash-0", "meta-0", nil, "")
	// One side changed content, the other changed metadata.
	a := mustCreate(t, m, "res-1", 2, "hash-a", "meta-0",
		[]resource.ChangeOperation{{Type: resource.ChangeUpdated, ResourceID: "res-1", Field: "body", ChangedBy: "alice"}},
		root.ID)
	b := mustCreate(t, m, "res-1", 2, "hash-0", "meta-b",
		[]resource.ChangeOperation{{Type: resource.ChangeUpdated, ResourceID: "res-1", Field: "checking", ChangedBy: "bob"}},
		root.ID)

	merged, err := m.Merge(ctx, "res-1", a.ID, b.ID, resource.MergeRecursive, "bot")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if merged.ContentHash != "hash-a" {
		t.Errorf("content = %q, want the side that changed it", merged.ContentHash)
	}
	if merged.MetadataHash != "meta-b" {
		t.Errorf("metadata = %q, want the side that changed it", merged.MetadataHash)
	}
	if merged.Merge.Strategy != resource.MergeRecursive {
		t.Errorf("strategy = %q, want recursive", merged.Merge.Strategy)
	}
}

func TestMergeMarksSourceBranchMerged(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, a, b := divergentSiblings(t, m, false)
	if _, err := m.CreateBranch(ctx, "res-1", "feature", a.ID, "alice", ""); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}

	if _, err := m.Merge(ctx, "res-1", a.ID, b.ID, resource.MergeThreeWay, "bot"); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	info, err := m.Branch(ctx, "res-1", "feature")
	if err != nil {
		t.Fatalf("Branch: %v", err)
	}
	if info.Status != resource.BranchMerged {
		t.Errorf("branch status = %q, want merged", info.Status)
	}
}

func TestMergeUnknownStrategy(t *testing.T) {
	m, _ := newTestManager(t)
	_, a, b := divergentSiblings(t, m, false)

	_, err := m.Merge(context.Background(), "res-1", a.ID, b.ID, resource.MergeStrategy("squash"), "bot")
	var ve *resource.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if !strings.Contains(ve.Reason, "unsupported merge strategy") {
		t.Errorf("reason = %q", ve.Reason)
	}
}

func TestBranchHeadsAlwaysResolve(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	root := mustCreate(t, m, "res-1", 1, "hash-0", "meta-0", nil, "")
	main2 := mustCreate(t, m, "res-1", 2, "hash-m", "meta-0",
		[]resource.ChangeOperation{{Type: resource.ChangeUpdated, ResourceID: "res-1", Field: "body", ChangedBy: "carol"}}, "")
	if _, err := m.CreateBranch(ctx, "res-1", "exp", root.ID, "alice", ""); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	onBranch := mustCreate(t, m, "res-1", 2, "hash-e", "meta-0",
		[]resource.ChangeOperation{{Type: resource.ChangeUpdated, ResourceID: "res-1", Field: "title", ChangedBy: "alice"}}, root.ID)

	if _, err := m.Merge(ctx, "res-1", onBranch.ID, main2.ID, resource.MergeThreeWay, "bot"); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	info, err := m.Branch(ctx, "res-1", "exp")
	if err != nil {
		t.Fatalf("Branch: %v", err)
	}
	if info.Head != onBranch.ID {
		t.Errorf("branch head = %q, want %q", info.Head, onBranch.ID)
	}
	if _, err := m.Node(ctx, "res-1", info.Head); err != nil {
		t.Errorf("branch head does not resolve: %v", err)
	}

	head, err := m.Head(ctx, "res-1")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head == info.Head {
		t.Error("resource head and branch head should differ after merge")
	}
}

func TestResolveConflictLocalWins(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	base := mustCreate(t, m, "res-1", 1, "hash-0", "meta-0", nil, "")

	conflict := &resource.ConflictInfo{Type: resource.ConflictContent}
	node, err := m.ResolveConflict(ctx, "res-1", conflict, Resolution{
		Strategy:      resource.ResolveLocalWins,
		ResolvedBy:    "alice",
		LocalVersion:  &resource.ResourceVersion{Version: 2, ContentHash: "hash-local", MetadataHash: "meta-local", LastModified: 100},
		RemoteVersion: &resource.ResourceVersion{Version: 3, ContentHash: "hash-remote", MetadataHash: "meta-remote", LastModified: 200},
	})
	if err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if node.ContentHash != "hash-local" || node.MetadataHash != "meta-local" {
		t.Errorf("hashes = %q/%q, want local side", node.ContentHash, node.MetadataHash)
	}
	if node.Version != 4 {
		t.Errorf("version = %d, want max(2,3)+1 = 4", node.Version)
	}
	if node.Parent != base.ID {
		t.Errorf("parent = %q, want head %q", node.Parent, base.ID)
	}
	if len(node.Metadata.Changes) != 1 {
		t.Fatalf("changes = %+v, want one resolution operation", node.Metadata.Changes)
	}
	op := node.Metadata.Changes[0]
	if op.Field != "conflict-resolution" {
		t.Errorf("field = %q, want conflict-resolution", op.Field)
	}
	if !strings.Contains(op.Context, "content") || !strings.Contains(op.Context, "local-wins") {
		t.Errorf("context = %q", op.Context)
	}
}

func TestResolveConflictRemoteWins(t *testing.T) {
	m, _ := newTestManager(t)
	mustCreate(t, m, "res-1", 1, "hash-0", "meta-0", nil, "")

	node, err := m.ResolveConflict(context.Background(), "res-1",
		&resource.ConflictInfo{Type: resource.ConflictVersion},
		Resolution{
			Strategy:      resource.ResolveRemoteWins,
			ResolvedBy:    "sync",
			LocalVersion:  &resource.ResourceVersion{Version: 2, ContentHash: "hash-local", MetadataHash: "meta-local"},
			RemoteVersion: &resource.ResourceVersion{Version: 5, ContentHash: "hash-remote", MetadataHash: "meta-remote"},
		})
	if err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if node.ContentHash != "hash-remote" {
		t.Errorf("content = %q, want remote side", node.ContentHash)
	}
	if node.Version != 6 {
		t.Errorf("version = %d, want 6", node.Version)
	}
}

func TestResolveConflictMergeNewerWins(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "res-1", 1, "hash-0", "meta-0", nil, "")

	node, err := m.ResolveConflict(ctx, "res-1",
		&resource.ConflictInfo{Type: resource.ConflictContent},
		Resolution{
			Strategy:      resource.ResolveMerge,
			ResolvedBy:    "sync",
			LocalVersion:  &resource.ResourceVersion{Version: 2, ContentHash: "hash-local", MetadataHash: "meta-local", LastModified: 100},
			RemoteVersion: &resource.ResourceVersion{Version: 2, ContentHash: "hash-remote", MetadataHash: "meta-remote", LastModified: 200},
		})
	if err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if node.ContentHash != "hash-remote" {
		t.Errorf("content = %q, want newer remote side", node.ContentHash)
	}

	// Local newer keeps local.
	node, err = m.ResolveConflict(ctx, "res-1",
		&resource.ConflictInfo{Type: resource.ConflictContent},
		Resolution{
			Strategy:      resource.ResolveMerge,
			ResolvedBy:    "sync",
			LocalVersion:  &resource.ResourceVersion{Version: 3, ContentHash: "hash-local", MetadataHash: "meta-local", LastModified: 300},
			RemoteVersion: &resource.ResourceVersion{Version: 3, ContentHash: "hash-remote", MetadataHash: "meta-remote", LastModified: 200},
		})
	if err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if node.ContentHash != "hash-local" {
		t.Errorf("content = %q, want newer local side", node.ContentHash)
	}
}

func TestResolveConflictManual(t *testing.T) {
	m, _ := newTestManager(t)
	mustCreate(t, m, "res-1", 1, "hash-0", "meta-0", nil, "")

	node, err := m.ResolveConflict(context.Background(), "res-1",
		&resource.ConflictInfo{Type: resource.ConflictConcurrent},
		Resolution{
			Strategy:        resource.ResolveManual,
			ResolvedBy:      "alice",
			ResolvedVersion: &resource.ResourceVersion{Version: 7, ContentHash: "hash-manual", MetadataHash: "meta-manual"},
		})
	if err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if node.ContentHash != "hash-manual" || node.MetadataHash != "meta-manual" {
		t.Errorf("hashes = %q/%q, want supplied resolution", node.ContentHash, node.MetadataHash)
	}
	if node.Version != 8 {
		t.Errorf("version = %d, want 8", node.Version)
	}
}

func TestResolveConflictUnsupportedStrategy(t *testing.T) {
	m, _ := newTestManager(t)
	mustCreate(t, m, "res-1", 1, "hash-0", "meta-0", nil, "")

	for _, strategy := range []resource.ResolutionStrategy{
		resource.ResolveCreateBranch,
		resource.ResolutionStrategy("zap"),
	} {
		_, err := m.ResolveConflict(context.Background(), "res-1",
			&resource.ConflictInfo{Type: resource.ConflictContent},
			Resolution{Strategy: strategy, ResolvedBy: "alice"})
		var ve *resource.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("%s: error = %v, want ValidationError", strategy, err)
			continue
		}
		if !strings.Contains(ve.Reason, "unsupported resolution strategy") {
			t.Errorf("%s: reason = %q", strategy, ve.Reason)
		}
	}
}

func TestResolveConflictMissingInputs(t *testing.T) {
	m, _ := newTestManager(t)
	mustCreate(t, m, "res-1", 1, "hash-0", "meta-0", nil, "")
	ctx := context.Background()
	conflict := &resource.ConflictInfo{Type: resource.ConflictContent}

	var ve *resource.ValidationError
	if _, err := m.ResolveConflict(ctx, "res-1", conflict, Resolution{
		Strategy: resource.ResolveLocalWins, ResolvedBy: "a",
	}); !errors.As(err, &ve) {
		t.Errorf("local-wins without local version: %v", err)
	}
	if _, err := m.ResolveConflict(ctx, "res-1", conflict, Resolution{
		Strategy: resource.ResolveManual, ResolvedBy: "a",
	}); !errors.As(err, &ve) {
		t.Errorf("manual without resolved version: %v", err)
	}
	if _, err := m.ResolveConflict(ctx, "res-1", conflict, Resolution{
		Strategy: resource.ResolveMerge, ResolvedBy: "a",
		LocalVersion: &resource.ResourceVersion{Version: 1},
	}); !errors.As(err, &ve) {
		t.Errorf("merge without both versions: %v", err)
	}
	if _, err := m.ResolveConflict(ctx, "res-1", nil, Resolution{
		Strategy: resource.ResolveLocalWins, ResolvedBy: "a",
		LocalVersion: &resource.ResourceVersion{Version: 1},
	}); !errors.As(err, &ve) {
		t.Errorf("nil conflict: %v", err)
	}
}

func TestAppendOnlyAcrossMergeAndResolve(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, a, b := divergentSiblings(t, m, false)

	if _, err := m.Merge(ctx, "res-1", a.ID, b.ID, resource.MergeThreeWay, "bot"); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if _, err := m.ResolveConflict(ctx, "res-1",
		&resource.ConflictInfo{Type: resource.ConflictContent},
		Resolution{
			Strategy:        resource.ResolveManual,
			ResolvedBy:      "alice",
			ResolvedVersion: &resource.ResourceVersion{Version: 9, ContentHash: "hash-x", MetadataHash: "meta-x"},
		}); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}

	for _, orig := range []*resource.VersionNode{a, b} {
		got, err := m.Node(ctx, "res-1", orig.ID)
		if err != nil {
			t.Fatalf("Node: %v", err)
		}
		if got.Parent != orig.Parent || got.Version != orig.Version ||
			got.ContentHash != orig.ContentHash || got.MetadataHash != orig.MetadataHash {
			t.Errorf("identity changed for %s: %+v vs %+v", orig.ID, got.ResourceVersion, orig.ResourceVersion)
		}
	}
}
