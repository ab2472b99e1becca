package version

import (
	"context"
	"errors"
	"strings"
	"testing"

	"resync/logging"
	"resync/resource"
	"resync/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	m, err := NewManager(context.Background(), store, logging.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, store
}

func mustCreate(t *testing.T, m *Manager, resourceID string, ver int, content, meta string, changes []resource.ChangeOperation, parent string) *resource.VersionNode {
	t.Helper()
	node, err := m.CreateVersion(context.Background(), resourceID, resource.ResourceVersion{
		Version:      ver,
		ContentHash:  content,
		MetadataHash: meta,
		ModifiedBy:   "test",
	}, changes, "", parent)
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	return node
}

func TestCreateVersionRoot(t *testing.T) {
	m, _ := newTestManager(t)

	node := mustCreate(t, m, "res-1", 1, "hash-1", "meta-1", nil, "")
	if !node.IsRoot() {
		t.Errorf("first node should be root, parent = %q", node.Parent)
	}
	if node.ID == "" || !strings.HasPrefix(node.ID, "v1-") {
		t.Errorf("unexpected id %q", node.ID)
	}
	if node.Metadata.Status != resource.StatusActive {
		t.Errorf("status = %q, want active", node.Metadata.Status)
	}

	head, err := m.Head(context.Background(), "res-1")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head != node.ID {
		t.Errorf("head = %q, want %q", head, node.ID)
	}
}

func TestCreateVersionChainsFromHead(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first := mustCreate(t, m, "res-1", 1, "hash-1", "meta-1", nil, "")
	second := mustCreate(t, m, "res-1", 2, "hash-2", "meta-1", nil, "")

	if second.Parent != first.ID {
		t.Errorf("parent = %q, want head %q", second.Parent, first.ID)
	}

	parent, err := m.Node(ctx, "res-1", first.ID)
	if err != nil {
		t.Fatalf("Node: %v", err)
	}
	if len(parent.Children) != 1 || parent.Children[0] != second.ID {
		t.Errorf("children = %v, want [%s]", parent.Children, second.ID)
	}

	head, err := m.Head(ctx, "res-1")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head != second.ID {
		t.Errorf("head = %q, want %q", head, second.ID)
	}
}

func TestCreateVersionExplicitParent(t *testing.T) {
	m, _ := newTestManager(t)

	root := mustCreate(t, m, "res-1", 1, "hash-1", "meta-1", nil, "")
	mustCreate(t, m, "res-1", 2, "hash-2", "meta-1", nil, "")
	fork := mustCreate(t, m, "res-1", 2, "hash-3", "meta-1", nil, root.ID)

	if fork.Parent != root.ID {
		t.Errorf("parent = %q, want %q", fork.Parent, root.ID)
	}

	parent, err := m.Node(context.Background(), "res-1", root.ID)
	if err != nil {
		t.Fatalf("Node: %v", err)
	}
	if len(parent.Children) != 2 {
		t.Errorf("root children = %v, want two forks", parent.Children)
	}
}

func TestCreateVersionMissingParent(t *testing.T) {
	m, _ := newTestManager(t)
	mustCreate(t, m, "res-1", 1, "hash-1", "meta-1", nil, "")

	_, err := m.CreateVersion(context.Background(), "res-1", resource.ResourceVersion{
		Version: 2, ContentHash: "hash-2", MetadataHash: "meta-1",
	}, nil, "", "v9-deadbeef-zzz")
	var nf *resource.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("error = %v, want NotFoundError", err)
	}
}

func TestCreateVersionBumpsStaleNumber(t *testing.T) {
	m, _ := newTestManager(t)

	mustCreate(t, m, "res-1", 3, "hash-1", "meta-1", nil, "")
	node := mustCreate(t, m, "res-1", 1, "hash-2", "meta-1", nil, "")
	if node.Version != 4 {
		t.Errorf("version = %d, want bump past parent to 4", node.Version)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	changes := []resource.ChangeOperation{{Type: resource.ChangeUpdated, ResourceID: "res-1", Field: "body", ChangedBy: "a"}}
	mustCreate(t, m, "res-1", 1, "hash-1", "meta-1", changes, "")
	mustCreate(t, m, "res-1", 2, "hash-2", "meta-1", changes, "")
	third := mustCreate(t, m, "res-1", 3, "hash-3", "meta-1", changes, "")

	nodes, err := m.History(ctx, "res-1", HistoryOptions{IncludeMetadata: true})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(nodes) != 3 {
		t.Fatalf("history length = %d, want 3", len(nodes))
	}
	if nodes[0].ID != third.ID {
		t.Errorf("first entry = %s, want newest %s", nodes[0].ID, third.ID)
	}
	if len(nodes[0].Metadata.Changes) != 1 {
		t.Error("IncludeMetadata should retain change operations")
	}

	stripped, err := m.History(ctx, "res-1", HistoryOptions{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(stripped[0].Metadata.Changes) != 0 {
		t.Error("change operations not stripped without IncludeMetadata")
	}

	limited, err := m.History(ctx, "res-1", HistoryOptions{Limit: 2})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited history length = %d, want 2", len(limited))
	}
}

func TestHistoryBranchFilter(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	base := mustCreate(t, m, "res-1", 1, "hash-1", "meta-1", nil, "")
	mainline := mustCreate(t, m, "res-1", 2, "hash-2", "meta-1", nil, "")

	if _, err := m.CreateBranch(ctx, "res-1", "exp", base.ID, "alice", ""); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	onBranch := mustCreate(t, m, "res-1", 2, "hash-3", "meta-1", nil, base.ID)

	nodes, err := m.History(ctx, "res-1", HistoryOptions{Branch: "exp"})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	ids := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		ids[n.ID] = true
	}
	if !ids[base.ID] || !ids[onBranch.ID] {
		t.Errorf("branch history %v missing seeded or built node", ids)
	}
	if ids[mainline.ID] {
		t.Error("branch history includes mainline node")
	}
	if onBranch.Branch != "exp" {
		t.Errorf("node branch = %q, want exp", onBranch.Branch)
	}
}

func TestHistoryNotFound(t *testing.T) {
	m, _ := newTestManager(t)

	var nf *resource.NotFoundError
	if _, err := m.History(context.Background(), "ghost", HistoryOptions{}); !errors.As(err, &nf) {
		t.Errorf("unknown resource error = %v, want NotFoundError", err)
	}

	mustCreate(t, m, "res-1", 1, "hash-1", "meta-1", nil, "")
	if _, err := m.History(context.Background(), "res-1", HistoryOptions{Branch: "ghost"}); !errors.As(err, &nf) {
		t.Errorf("unknown branch error = %v, want NotFoundError", err)
	}
}

func TestCreateBranchSeedsHeadAndBase(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	base := mustCreate(t, m, "res-1", 1, "hash-1", "meta-1", nil, "")
	head := mustCreate(t, m, "res-1", 2, "hash-2", "meta-1", nil, "")

	info, err := m.CreateBranch(ctx, "res-1", "exp", base.ID, "alice", "experiment")
	if err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if info.Head != base.ID || info.Base != base.ID {
		t.Errorf("head/base = %q/%q, want both %q", info.Head, info.Base, base.ID)
	}
	if len(info.Versions) != 1 || info.Versions[0] != base.ID {
		t.Errorf("versions = %v, want seeded with base", info.Versions)
	}
	if info.Status != resource.BranchActive {
		t.Errorf("status = %q, want active", info.Status)
	}

	// Branch creation never moves the resource head.
	current, err := m.Head(ctx, "res-1")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if current != head.ID {
		t.Errorf("head moved to %q after branch creation", current)
	}
}

func TestCreateBranchDuplicateName(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first := mustCreate(t, m, "res-1", 1, "hash-1", "meta-1", nil, "")
	second := mustCreate(t, m, "res-1", 2, "hash-2", "meta-1", nil, "")

	if _, err := m.CreateBranch(ctx, "res-1", "exp", first.ID, "alice", ""); err != nil {
		t.Fatalf("first CreateBranch: %v", err)
	}

	_, err := m.CreateBranch(ctx, "res-1", "exp", second.ID, "bob", "")
	var ve *resource.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("duplicate branch error = %v, want ValidationError", err)
	}
	if !strings.Contains(ve.Reason, "already exists") {
		t.Errorf("reason = %q, want mention of already exists", ve.Reason)
	}
}

func TestCreateBranchMissingBase(t *testing.T) {
	m, _ := newTestManager(t)
	mustCreate(t, m, "res-1", 1, "hash-1", "meta-1", nil, "")

	_, err := m.CreateBranch(context.Background(), "res-1", "exp", "v9-nope-zzz", "alice", "")
	var nf *resource.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("error = %v, want NotFoundError", err)
	}
}

func TestUpdateVersionStatusTransitions(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	node := mustCreate(t, m, "res-1", 1, "hash-1", "meta-1", nil, "")

	if err := m.UpdateVersionStatus(ctx, "res-1", node.ID, resource.StatusArchived); err != nil {
		t.Fatalf("active->archived: %v", err)
	}

	var ve *resource.ValidationError
	if err := m.UpdateVersionStatus(ctx, "res-1", node.ID, resource.StatusActive); !errors.As(err, &ve) {
		t.Errorf("archived->active error = %v, want ValidationError", err)
	}

	if err := m.UpdateVersionStatus(ctx, "res-1", node.ID, resource.StatusDeleted); err != nil {
		t.Fatalf("archived->deleted: %v", err)
	}

	// Deleted nodes stay in the graph.
	got, err := m.Node(ctx, "res-1", node.ID)
	if err != nil {
		t.Fatalf("Node after delete: %v", err)
	}
	if got.Metadata.Status != resource.StatusDeleted {
		t.Errorf("status = %q, want deleted", got.Metadata.Status)
	}
}

func TestUpdateBranchStatus(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	base := mustCreate(t, m, "res-1", 1, "hash-1", "meta-1", nil, "")
	if _, err := m.CreateBranch(ctx, "res-1", "exp", base.ID, "alice", ""); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}

	if err := m.UpdateBranchStatus(ctx, "res-1", "exp", resource.BranchAbandoned); err != nil {
		t.Fatalf("UpdateBranchStatus: %v", err)
	}
	info, err := m.Branch(ctx, "res-1", "exp")
	if err != nil {
		t.Fatalf("Branch: %v", err)
	}
	if info.Status != resource.BranchAbandoned {
		t.Errorf("status = %q, want abandoned", info.Status)
	}

	var nf *resource.NotFoundError
	if err := m.UpdateBranchStatus(ctx, "res-1", "ghost", resource.BranchMerged); !errors.As(err, &nf) {
		t.Errorf("unknown branch error = %v, want NotFoundError", err)
	}
}

func TestStatistics(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a1 := mustCreate(t, m, "res-a", 1, "hash-1", "meta-1", nil, "")
	mustCreate(t, m, "res-a", 2, "hash-2", "meta-1", nil, "")
	mustCreate(t, m, "res-b", 1, "hash-3", "meta-2", nil, "")

	if _, err := m.CreateBranch(ctx, "res-a", "exp", a1.ID, "alice", ""); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if err := m.UpdateVersionStatus(ctx, "res-a", a1.ID, resource.StatusArchived); err != nil {
		t.Fatalf("UpdateVersionStatus: %v", err)
	}

	stats, err := m.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.Resources != 2 {
		t.Errorf("Resources = %d, want 2", stats.Resources)
	}
	if stats.Versions != 3 {
		t.Errorf("Versions = %d, want 3", stats.Versions)
	}
	if stats.Branches != 1 {
		t.Errorf("Branches = %d, want 1", stats.Branches)
	}
	if stats.AvgVersionsPerResource != 1.5 {
		t.Errorf("AvgVersionsPerResource = %v, want 1.5", stats.AvgVersionsPerResource)
	}
	if stats.ByVersionStatus[resource.StatusArchived] != 1 || stats.ByVersionStatus[resource.StatusActive] != 2 {
		t.Errorf("ByVersionStatus = %v", stats.ByVersionStatus)
	}
	if stats.ByBranchStatus[resource.BranchActive] != 1 {
		t.Errorf("ByBranchStatus = %v", stats.ByBranchStatus)
	}
}

func TestManagerReload(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()

	m1, err := NewManager(ctx, store, logging.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	node, err := m1.CreateVersion(ctx, "res-1", resource.ResourceVersion{
		Version: 1, ContentHash: "hash-1", MetadataHash: "meta-1", ModifiedBy: "alice",
	}, nil, "initial", "")
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if _, err := m1.CreateBranch(ctx, "res-1", "exp", node.ID, "alice", ""); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}

	m2, err := NewManager(ctx, store, logging.Nop())
	if err != nil {
		t.Fatalf("NewManager reload: %v", err)
	}
	head, err := m2.Head(ctx, "res-1")
	if err != nil {
		t.Fatalf("Head after reload: %v", err)
	}
	if head != node.ID {
		t.Errorf("reloaded head = %q, want %q", head, node.ID)
	}
	got, err := m2.Node(ctx, "res-1", node.ID)
	if err != nil {
		t.Fatalf("Node after reload: %v", err)
	}
	if got.ContentHash != "hash-1" || got.Metadata.Description != "initial" {
		t.Errorf("reloaded node = %+v", got)
	}
	if _, err := m2.Branch(ctx, "res-1", "exp"); err != nil {
		t.Errorf("Branch after reload: %v", err)
	}
}

func TestNodeCopyIsolation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	node := mustCreate(t, m, "res-1", 1, "hash-1", "meta-1",
		[]resource.ChangeOperation{{Type: resource.ChangeCreated, ResourceID: "res-1", ChangedBy: "a"}}, "")
	mustCreate(t, m, "res-1", 2, "hash-2", "meta-1", nil, "")

	got, err := m.Node(ctx, "res-1", node.ID)
	if err != nil {
		t.Fatalf("Node: %v", err)
	}
	got.Children[0] = "tampered"
	got.Metadata.Changes[0].ChangedBy = "tampered"

	again, err := m.Node(ctx, "res-1", node.ID)
	if err != nil {
		t.Fatalf("Node: %v", err)
	}
	if again.Children[0] == "tampered" || again.Metadata.Changes[0].ChangedBy == "tampered" {
		t.Error("caller mutation leaked into the graph")
	}
}

func TestHeadMissingResource(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Head(context.Background(), "ghost")
	var nf *resource.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("error = %v, want NotFoundError", err)
	}
}

// failingStore wraps Memory and fails Set after a threshold.
type failingStore struct {
	*storage.Memory
	failAfter int
	sets      int
}

func (f *failingStore) Set(ctx context.Context, key string, value []byte, tags ...string) error {
	f.sets++
	if f.sets > f.failAfter {
		return errors.New("disk full")
	}
	return f.Memory.Set(ctx, key, value, tags...)
}

func TestCreateVersionPersistFailure(t *testing.T) {
	store := &failingStore{Memory: storage.NewMemory(), failAfter: 0}
	ctx := context.Background()

	m, err := NewManager(ctx, store, logging.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	_, err = m.CreateVersion(ctx, "res-1", resource.ResourceVersion{
		Version: 1, ContentHash: "hash-1", MetadataHash: "meta-1",
	}, nil, "", "")
	if err == nil {
		t.Fatal("expected persist error")
	}

	// The head never advanced, so the resource still reads as absent.
	var nf *resource.NotFoundError
	if _, err := m.Head(ctx, "res-1"); !errors.As(err, &nf) {
		t.Errorf("Head after failed create = %v, want NotFoundError", err)
	}

	// Once the store recovers the same logical operation succeeds cleanly.
	store.failAfter = 1 << 30
	node, err := m.CreateVersion(ctx, "res-1", resource.ResourceVersion{
		Version: 1, ContentHash: "hash-1", MetadataHash: "meta-1",
	}, nil, "", "")
	if err != nil {
		t.Fatalf("retried CreateVersion: %v", err)
	}
	head, err := m.Head(ctx, "res-1")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head != node.ID {
		t.Errorf("head = %q, want %q", head, node.ID)
	}
}

func TestAppendOnlyIdentity(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first := mustCreate(t, m, "res-1", 1, "hash-1", "meta-1", nil, "")
	mustCreate(t, m, "res-1", 2, "hash-2", "meta-1", nil, "")
	if _, err := m.CreateBranch(ctx, "res-1", "exp", first.ID, "alice", ""); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if err := m.UpdateVersionStatus(ctx, "res-1", first.ID, resource.StatusArchived); err != nil {
		t.Fatalf("UpdateVersionStatus: %v", err)
	}

	got, err := m.Node(ctx, "res-1", first.ID)
	if err != nil {
		t.Fatalf("Node: %v", err)
	}
	if got.Parent != first.Parent || got.Version != first.Version ||
		got.ContentHash != first.ContentHash || got.MetadataHash != first.MetadataHash {
		t.Errorf("identity fields changed: before %+v, after %+v", first.ResourceVersion, got.ResourceVersion)
	}
}
