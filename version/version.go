// Package version owns the durable per-resource version graph: history
// queries, three-way comparison, merge strategies, branching, and conflict
// resolution. Graphs are arena-style maps keyed by opaque version id and
// persisted as whole snapshots after each mutation.
package version

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"resync/cas"
	"resync/resource"
	"resync/storage"
)

// HistoryOptions narrows a History query.
type HistoryOptions struct {
	// Limit caps the number of returned nodes; non-positive means all.
	Limit int
	// Branch restricts the result to nodes listed in that branch.
	Branch string
	// IncludeMetadata controls whether per-node change operations are
	// returned. When false they are stripped from the copies.
	IncludeMetadata bool
}

// Stats aggregates the version graphs and branch tables.
type Stats struct {
	Resources              int
	Versions               int
	Branches               int
	AvgVersionsPerResource float64
	ByVersionStatus        map[resource.VersionStatus]int
	ByBranchStatus         map[resource.BranchStatus]int
}

// Manager owns the version graphs. History is append-only: a node's identity,
// parent link, version number, and hashes never change after creation.
// Callers serialize mutations per resource; the mutex makes that discipline
// safe in-process and lets independent resources read in parallel.
type Manager struct {
	store  storage.Store
	logger zerolog.Logger

	mu       sync.RWMutex
	trees    map[string]map[string]*resource.VersionNode
	branches map[string]map[string]*resource.BranchInfo
	heads    map[string]string
}

// NewManager loads the persisted graph snapshots and returns a ready manager.
func NewManager(ctx context.Context, store storage.Store, logger zerolog.Logger) (*Manager, error) {
	m := &Manager{
		store:    store,
		logger:   logger,
		trees:    make(map[string]map[string]*resource.VersionNode),
		branches: make(map[string]map[string]*resource.BranchInfo),
		heads:    make(map[string]string),
	}

	if err := loadSnapshot(ctx, store, storage.KeyVersionTrees, &m.trees); err != nil {
		return nil, fmt.Errorf("loading version trees: %w", err)
	}
	if err := loadSnapshot(ctx, store, storage.KeyVersionBranches, &m.branches); err != nil {
		return nil, fmt.Errorf("loading branches: %w", err)
	}
	if err := loadSnapshot(ctx, store, storage.KeyVersionHeads, &m.heads); err != nil {
		return nil, fmt.Errorf("loading heads: %w", err)
	}

	return m, nil
}

func loadSnapshot(ctx context.Context, store storage.Store, key string, target interface{}) error {
	data, err := store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// CreateVersion records a new version node. The parent is parentID when
// given, else the resource's current head, else the node becomes the root.
// The node is persisted before it is linked into its parent's children, so a
// persisted snapshot never contains a dangling parent reference. The head
// advances to the new node.
func (m *Manager) CreateVersion(ctx context.Context, resourceID string, ver resource.ResourceVersion, changes []resource.ChangeOperation, description, parentID string) (*resource.VersionNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, err := m.createLocked(ctx, resourceID, ver, changes, description, parentID, nil)
	if err != nil {
		return nil, err
	}
	return copyNode(node), nil
}

// createLocked is the single node-creation path shared by CreateVersion,
// Merge, and ResolveConflict.
func (m *Manager) createLocked(ctx context.Context, resourceID string, ver resource.ResourceVersion, changes []resource.ChangeOperation, description, parentID string, merge *resource.MergeInfo) (*resource.VersionNode, error) {
	tree := m.trees[resourceID]
	if tree == nil {
		tree = make(map[string]*resource.VersionNode)
		m.trees[resourceID] = tree
	}

	if parentID == "" {
		parentID = m.heads[resourceID]
	}
	var parent *resource.VersionNode
	if parentID != "" {
		parent = tree[parentID]
		if parent == nil {
			return nil, &resource.NotFoundError{Kind: "parent version", Key: parentID}
		}
	}

	now := cas.NowMs()
	ver.ResourceID = resourceID
	if ver.LastModified == 0 {
		ver.LastModified = now
	}
	// Version numbers stay monotonic along the parent path even when the
	// caller supplies a stale number.
	if parent != nil && ver.Version <= parent.Version {
		ver.Version = parent.Version + 1
	}

	node := &resource.VersionNode{
		ResourceVersion: ver,
		ID:              cas.VersionID(ver.Version, ver.ContentHash, now),
		Parent:          parentID,
		Children:        []string{},
		Merge:           merge,
		Metadata: resource.VersionMetadata{
			Description: description,
			Changes:     append([]resource.ChangeOperation(nil), changes...),
			Status:      resource.StatusActive,
			CreatedAt:   now,
			Size:        approxSize(ver, changes),
		},
	}

	// Record the node durably before linking it anywhere.
	tree[node.ID] = node
	if err := m.persistTreesLocked(ctx); err != nil {
		return nil, err
	}

	if parent != nil {
		parent.Children = append(parent.Children, node.ID)
	}
	m.heads[resourceID] = node.ID
	m.advanceBranchLocked(resourceID, parent, node)

	if err := m.persistTreesLocked(ctx); err != nil {
		return nil, err
	}
	if err := m.persistHeadsLocked(ctx); err != nil {
		return nil, err
	}
	if err := m.persistBranchesLocked(ctx); err != nil {
		return nil, err
	}

	m.logger.Debug().
		Str("resource", resourceID).
		Str("id", node.ID).
		Int("version", node.Version).
		Str("parent", parentID).
		Msg("created version node")

	return node, nil
}

// advanceBranchLocked moves a branch head forward when the new node was built
// on that head. When several branches share the parent as head, the parent's
// own branch wins, then the lexicographically first name; only one branch
// advances so heads stay unshared.
func (m *Manager) advanceBranchLocked(resourceID string, parent, node *resource.VersionNode) {
	if parent == nil {
		return
	}
	table := m.branches[resourceID]
	if len(table) == 0 {
		return
	}

	var names []string
	for name, info := range table {
		if info.Head == parent.ID && info.Status == resource.BranchActive {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return
	}
	sort.Strings(names)
	picked := names[0]
	for _, name := range names {
		if name == parent.Branch {
			picked = name
			break
		}
	}

	info := table[picked]
	info.Head = node.ID
	info.Versions = append(info.Versions, node.ID)
	node.Branch = picked
}

// History returns the resource's version nodes newest-first, optionally
// restricted to a branch. Returned nodes are copies.
func (m *Manager) History(ctx context.Context, resourceID string, opts HistoryOptions) ([]*resource.VersionNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tree := m.trees[resourceID]
	if tree == nil {
		return nil, &resource.NotFoundError{Kind: "resource", Key: resourceID}
	}

	var member map[string]bool
	if opts.Branch != "" {
		info := m.branches[resourceID][opts.Branch]
		if info == nil {
			return nil, &resource.NotFoundError{Kind: "branch", Key: opts.Branch}
		}
		member = make(map[string]bool, len(info.Versions))
		for _, id := range info.Versions {
			member[id] = true
		}
	}

	nodes := make([]*resource.VersionNode, 0, len(tree))
	for id, node := range tree {
		if member != nil && !member[id] {
			continue
		}
		nodes = append(nodes, copyNode(node))
	}

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Metadata.CreatedAt != nodes[j].Metadata.CreatedAt {
			return nodes[i].Metadata.CreatedAt > nodes[j].Metadata.CreatedAt
		}
		if nodes[i].Version != nodes[j].Version {
			return nodes[i].Version > nodes[j].Version
		}
		return nodes[i].ID < nodes[j].ID
	})

	if !opts.IncludeMetadata {
		for _, node := range nodes {
			node.Metadata.Changes = nil
		}
	}
	if opts.Limit > 0 && len(nodes) > opts.Limit {
		nodes = nodes[:opts.Limit]
	}
	return nodes, nil
}

// CreateBranch records a new branch whose head and base both start at
// baseVersionID. The source branch's head is not touched.
func (m *Manager) CreateBranch(ctx context.Context, resourceID, name, baseVersionID, createdBy, description string) (*resource.BranchInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tree := m.trees[resourceID]
	if tree == nil || tree[baseVersionID] == nil {
		return nil, &resource.NotFoundError{Kind: "version", Key: baseVersionID}
	}
	if m.branches[resourceID][name] != nil {
		return nil, &resource.ValidationError{Reason: fmt.Sprintf("branch already exists: %s", name)}
	}

	info := &resource.BranchInfo{
		Name:        name,
		Head:        baseVersionID,
		Base:        baseVersionID,
		CreatedBy:   createdBy,
		CreatedAt:   cas.NowMs(),
		Description: description,
		Status:      resource.BranchActive,
		Versions:    []string{baseVersionID},
	}

	table := m.branches[resourceID]
	if table == nil {
		table = make(map[string]*resource.BranchInfo)
		m.branches[resourceID] = table
	}
	table[name] = info

	if err := m.persistBranchesLocked(ctx); err != nil {
		return nil, err
	}

	m.logger.Debug().
		Str("resource", resourceID).
		Str("branch", name).
		Str("base", baseVersionID).
		Msg("created branch")

	return copyBranch(info), nil
}

// UpdateVersionStatus applies an administrative lifecycle transition. The
// node stays in the graph regardless of status.
func (m *Manager) UpdateVersionStatus(ctx context.Context, resourceID, versionID string, status resource.VersionStatus) error {
	if !status.IsValid() {
		return &resource.ValidationError{Reason: fmt.Sprintf("unknown version status: %s", status)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.nodeLocked(resourceID, versionID)
	if node == nil {
		return &resource.NotFoundError{Kind: "version", Key: versionID}
	}
	if !node.Metadata.Status.CanTransition(status) {
		return &resource.ValidationError{
			Reason: fmt.Sprintf("invalid status transition: %s to %s", node.Metadata.Status, status),
		}
	}

	node.Metadata.Status = status
	return m.persistTreesLocked(ctx)
}

// UpdateBranchStatus marks a branch merged or abandoned.
func (m *Manager) UpdateBranchStatus(ctx context.Context, resourceID, name string, status resource.BranchStatus) error {
	if !status.IsValid() {
		return &resource.ValidationError{Reason: fmt.Sprintf("unknown branch status: %s", status)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.branches[resourceID][name]
	if info == nil {
		return &resource.NotFoundError{Kind: "branch", Key: name}
	}

	info.Status = status
	return m.persistBranchesLocked(ctx)
}

// Head returns the resource's current head version id.
func (m *Manager) Head(ctx context.Context, resourceID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	head := m.heads[resourceID]
	if head == "" {
		return "", &resource.NotFoundError{Kind: "resource", Key: resourceID}
	}
	return head, nil
}

// Node returns a copy of one version node.
func (m *Manager) Node(ctx context.Context, resourceID, versionID string) (*resource.VersionNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	node := m.nodeLocked(resourceID, versionID)
	if node == nil {
		return nil, &resource.NotFoundError{Kind: "version", Key: versionID}
	}
	return copyNode(node), nil
}

// Branch returns a copy of one branch record.
func (m *Manager) Branch(ctx context.Context, resourceID, name string) (*resource.BranchInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := m.branches[resourceID][name]
	if info == nil {
		return nil, &resource.NotFoundError{Kind: "branch", Key: name}
	}
	return copyBranch(info), nil
}

// Statistics aggregates graph and branch counts.
func (m *Manager) Statistics(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &Stats{
		Resources:       len(m.trees),
		ByVersionStatus: make(map[resource.VersionStatus]int),
		ByBranchStatus:  make(map[resource.BranchStatus]int),
	}

	for _, tree := range m.trees {
		stats.Versions += len(tree)
		for _, node := range tree {
			stats.ByVersionStatus[node.Metadata.Status]++
		}
	}
	for _, table := range m.branches {
		stats.Branches += len(table)
		for _, info := range table {
			stats.ByBranchStatus[info.Status]++
		}
	}
	if stats.Resources > 0 {
		stats.AvgVersionsPerResource = float64(stats.Versions) / float64(stats.Resources)
	}

	return stats, nil
}

// Flush re-persists all three snapshots. Used to retry after a persistence
// failure without redoing graph work.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.persistTreesLocked(ctx); err != nil {
		return err
	}
	if err := m.persistBranchesLocked(ctx); err != nil {
		return err
	}
	return m.persistHeadsLocked(ctx)
}

func (m *Manager) nodeLocked(resourceID, versionID string) *resource.VersionNode {
	tree := m.trees[resourceID]
	if tree == nil {
		return nil
	}
	return tree[versionID]
}

func (m *Manager) persistTreesLocked(ctx context.Context) error {
	data, err := json.Marshal(m.trees)
	if err != nil {
		return fmt.Errorf("marshaling version trees: %w", err)
	}
	if err := m.store.Set(ctx, storage.KeyVersionTrees, data, "version-management"); err != nil {
		return fmt.Errorf("persisting version trees: %w", err)
	}
	return nil
}

func (m *Manager) persistBranchesLocked(ctx context.Context) error {
	data, err := json.Marshal(m.branches)
	if err != nil {
		return fmt.Errorf("marshaling branches: %w", err)
	}
	if err := m.store.Set(ctx, storage.KeyVersionBranches, data, "version-management"); err != nil {
		return fmt.Errorf("persisting branches: %w", err)
	}
	return nil
}

func (m *Manager) persistHeadsLocked(ctx context.Context) error {
	data, err := json.Marshal(m.heads)
	if err != nil {
		return fmt.Errorf("marshaling heads: %w", err)
	}
	if err := m.store.Set(ctx, storage.KeyVersionHeads, data, "version-management"); err != nil {
		return fmt.Errorf("persisting heads: %w", err)
	}
	return nil
}

// approxSize estimates a node's payload size from its hashes and recorded
// changes. Content bodies are not stored in the graph, only fingerprints.
func approxSize(ver resource.ResourceVersion, changes []resource.ChangeOperation) int {
	size := len(ver.ContentHash) + len(ver.MetadataHash)
	if data, err := json.Marshal(changes); err == nil {
		size += len(data)
	}
	return size
}

func copyNode(n *resource.VersionNode) *resource.VersionNode {
	c := *n
	c.Children = append([]string(nil), n.Children...)
	c.Metadata.Tags = append([]string(nil), n.Metadata.Tags...)
	c.Metadata.Changes = append([]resource.ChangeOperation(nil), n.Metadata.Changes...)
	if n.Merge != nil {
		mi := *n.Merge
		mi.SourceVersions = append([]string(nil), n.Merge.SourceVersions...)
		mi.ResolvedConflicts = append([]string(nil), n.Merge.ResolvedConflicts...)
		c.Merge = &mi
	}
	return &c
}

func copyBranch(b *resource.BranchInfo) *resource.BranchInfo {
	c := *b
	c.Versions = append([]string(nil), b.Versions...)
	return &c
}
