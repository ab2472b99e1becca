// Package change implements change detection: per-resource version
// fingerprints, an append-only change history with retention, and conflict
// detection against remote version descriptors.
package change

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"resync/cas"
	"resync/resource"
	"resync/storage"
)

// Config controls detector behavior.
type Config struct {
	// MaxHistorySize caps the retained change operations per resource;
	// oldest entries are discarded first.
	MaxHistorySize int
	// TrackingEnabled gates RecordChange. When disabled, recording reports
	// success without storing.
	TrackingEnabled bool
	// ConflictWindowMs is the concurrent-modification window: local and
	// remote modifications closer than this with differing content hashes
	// are treated as a race.
	ConflictWindowMs int64
}

// DefaultConfig returns the standard detector configuration.
func DefaultConfig() Config {
	return Config{
		MaxHistorySize:   100,
		TrackingEnabled:  true,
		ConflictWindowMs: 1000,
	}
}

// Report is the outcome of change detection for one resource.
type Report struct {
	ResourceID  string                     `json:"resourceId"`
	HasChanged  bool                       `json:"hasChanged"`
	ChangeType  resource.ChangeType        `json:"changeType,omitempty"`
	Changes     []resource.ChangeOperation `json:"changes,omitempty"`
	HasConflict bool                       `json:"hasConflict"`
	Conflict    *resource.ConflictInfo     `json:"conflict,omitempty"`
}

// Stats aggregates the recorded change history.
type Stats struct {
	TotalChanges          int
	ByType                map[resource.ChangeType]int
	TrackedResources      int
	ResourcesWithHistory  int
	OldestChange          int64
	NewestChange          int64
	AvgChangesPerResource float64
}

// Detector owns the version fingerprint cache and change history. Memory is
// updated first on every mutation, then snapshot-persisted; a persistence
// failure leaves memory current so Flush can retry without redoing work.
type Detector struct {
	store  storage.Store
	cfg    Config
	logger zerolog.Logger

	mu       sync.RWMutex
	versions map[string]*resource.ResourceVersion
	history  map[string][]resource.ChangeOperation
}

// NewDetector loads the persisted snapshots and returns a ready detector.
func NewDetector(ctx context.Context, store storage.Store, cfg Config, logger zerolog.Logger) (*Detector, error) {
	if cfg.MaxHistorySize <= 0 {
		cfg.MaxHistorySize = 100
	}
	if cfg.ConflictWindowMs <= 0 {
		cfg.ConflictWindowMs = 1000
	}

	d := &Detector{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		versions: make(map[string]*resource.ResourceVersion),
		history:  make(map[string][]resource.ChangeOperation),
	}

	if err := loadSnapshot(ctx, store, storage.KeyVersionCache, &d.versions); err != nil {
		return nil, fmt.Errorf("loading version cache: %w", err)
	}
	if err := loadSnapshot(ctx, store, storage.KeyChangeHistory, &d.history); err != nil {
		return nil, fmt.Errorf("loading change history: %w", err)
	}

	return d, nil
}

// loadSnapshot fills target from a stored snapshot; a missing key leaves it
// empty.
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

// RecordVersion creates the next ResourceVersion for a resource (version 1
// when none existed) and replaces the cached current version. On persistence
// failure the new version stays cached; Flush retries the write.
func (d *Detector) RecordVersion(ctx context.Context, resourceID, contentHash, metadataHash, modifiedBy string, server *resource.ServerInfo) (*resource.ResourceVersion, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := &resource.ResourceVersion{
		ResourceID:   resourceID,
		Version:      1,
		ContentHash:  contentHash,
		MetadataHash: metadataHash,
		LastModified: cas.NowMs(),
		ModifiedBy:   modifiedBy,
	}
	if prev := d.versions[resourceID]; prev != nil {
		next.Version = prev.Version + 1
	}
	if server != nil {
		next.ServerTimestamp = server.ServerTimestamp
		next.ETag = server.ETag
		next.RevisionID = server.RevisionID
	}

	d.versions[resourceID] = next

	d.logger.Debug().
		Str("resource", resourceID).
		Int("version", next.Version).
		Msg("recorded version")

	if err := d.persistVersionsLocked(ctx); err != nil {
		return nil, err
	}
	return next, nil
}

// RecordChange appends an operation to the resource's history, trimming
// entries beyond the retention limit. A checksum mismatch is logged and the
// operation stored anyway; recording is a no-op success when tracking is
// disabled.
func (d *Detector) RecordChange(ctx context.Context, op resource.ChangeOperation) error {
	if !d.cfg.TrackingEnabled {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if op.Timestamp == 0 {
		op.Timestamp = cas.NowMs()
	}
	expected := op.ComputeChecksum()
	if op.Checksum == "" {
		op.Checksum = expected
	} else if op.Checksum != expected {
		d.logger.Warn().
			Str("resource", op.ResourceID).
			Str("recorded", op.Checksum).
			Str("expected", expected).
			Msg("change checksum mismatch")
	}

	hist := append(d.history[op.ResourceID], op)
	if len(hist) > d.cfg.MaxHistorySize {
		hist = hist[len(hist)-d.cfg.MaxHistorySize:]
	}
	d.history[op.ResourceID] = hist

	return d.persistHistoryLocked(ctx)
}

// DetectChanges compares the supplied hashes against the cached version. A
// resource with no cached version reports a creation. When a remote version
// is supplied and a local one exists, conflict detection runs as well.
func (d *Detector) DetectChanges(ctx context.Context, resourceID, contentHash, metadataHash string, remote *resource.ResourceVersion) (*Report, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	report := &Report{ResourceID: resourceID}
	local := d.versions[resourceID]

	if local == nil {
		report.HasChanged = true
		report.ChangeType = resource.ChangeCreated
		report.Changes = []resource.ChangeOperation{{
			Type:       resource.ChangeCreated,
			ResourceID: resourceID,
			NewValue:   contentHash,
			Timestamp:  cas.NowMs(),
		}}
		return report, nil
	}

	now := cas.NowMs()
	if local.ContentHash != contentHash {
		report.Changes = append(report.Changes, resource.ChangeOperation{
			Type:       resource.ChangeUpdated,
			ResourceID: resourceID,
			Field:      "content",
			OldValue:   local.ContentHash,
			NewValue:   contentHash,
			Timestamp:  now,
		})
	}
	if local.MetadataHash != metadataHash {
		report.Changes = append(report.Changes, resource.ChangeOperation{
			Type:       resource.ChangeUpdated,
			ResourceID: resourceID,
			Field:      "metadata",
			OldValue:   local.MetadataHash,
			NewValue:   metadataHash,
			Timestamp:  now,
		})
	}
	if len(report.Changes) > 0 {
		report.HasChanged = true
		report.ChangeType = resource.ChangeUpdated
	}

	if remote != nil {
		if conflict := d.detectConflictLocked(local, remote); conflict != nil {
			report.HasConflict = true
			report.Conflict = conflict
		}
	}

	return report, nil
}

// detectConflictLocked applies the conflict rule: version numbers differ,
// either hash differs, or modifications landed within the race window with
// differing content.
func (d *Detector) detectConflictLocked(local, remote *resource.ResourceVersion) *resource.ConflictInfo {
	race := local.ContentHash != remote.ContentHash &&
		absMs(local.LastModified-remote.LastModified) <= d.cfg.ConflictWindowMs

	if local.Version == remote.Version &&
		local.ContentHash == remote.ContentHash &&
		local.MetadataHash == remote.MetadataHash &&
		!race {
		return nil
	}

	conflictType := classifyConflict(local, remote)
	changes := d.divergentChangesLocked(local, remote)

	info := &resource.ConflictInfo{
		Type:    conflictType,
		Changes: changes,
	}
	info.Suggested, info.AutoResolvable = suggestResolutions(conflictType, changes)

	d.logger.Debug().
		Str("resource", local.ResourceID).
		Str("type", string(conflictType)).
		Bool("autoResolvable", info.AutoResolvable).
		Msg("detected conflict")

	return info
}

// classifyConflict derives the conflict type by priority: content beats
// metadata beats version number; anything else is a concurrent race.
func classifyConflict(local, remote *resource.ResourceVersion) resource.ConflictType {
	switch {
	case local.ContentHash != remote.ContentHash:
		return resource.ConflictContent
	case local.MetadataHash != remote.MetadataHash:
		return resource.ConflictMetadata
	case local.Version != remote.Version:
		return resource.ConflictVersion
	default:
		return resource.ConflictConcurrent
	}
}

// divergentChangesLocked collects the recorded operations since the two
// versions diverged: everything at or after the older side's modification
// time.
func (d *Detector) divergentChangesLocked(local, remote *resource.ResourceVersion) []resource.ChangeOperation {
	since := local.LastModified
	if remote.LastModified < since {
		since = remote.LastModified
	}

	var ops []resource.ChangeOperation
	for _, op := range d.history[local.ResourceID] {
		if op.Timestamp >= since {
			ops = append(ops, op)
		}
	}
	return ops
}

// suggestResolutions returns the candidate strategies for a conflict type in
// preference order, and whether the conflict can be resolved automatically.
// Content conflicts are auto-resolvable only when every conflicting change
// touches a distinct field; metadata conflicts always are; version and
// concurrent conflicts never are.
func suggestResolutions(t resource.ConflictType, changes []resource.ChangeOperation) ([]resource.ResolutionStrategy, bool) {
	switch t {
	case resource.ConflictContent:
		return []resource.ResolutionStrategy{
			resource.ResolveLocalWins,
			resource.ResolveRemoteWins,
			resource.ResolveMerge,
			resource.ResolveManual,
		}, disjointFields(changes)
	case resource.ConflictMetadata:
		return []resource.ResolutionStrategy{
			resource.ResolveLocalWins,
			resource.ResolveRemoteWins,
			resource.ResolveMerge,
		}, true
	case resource.ConflictVersion:
		return []resource.ResolutionStrategy{
			resource.ResolveRemoteWins,
			resource.ResolveCreateBranch,
		}, false
	default:
		return []resource.ResolutionStrategy{
			resource.ResolveManual,
			resource.ResolveCreateBranch,
		}, false
	}
}

// disjointFields reports whether no two changes touch the same field.
func disjointFields(changes []resource.ChangeOperation) bool {
	seen := make(map[string]bool, len(changes))
	for _, op := range changes {
		if seen[op.Field] {
			return false
		}
		seen[op.Field] = true
	}
	return true
}

// GetResourceVersion returns the cached current version for a resource.
func (d *Detector) GetResourceVersion(ctx context.Context, resourceID string) (*resource.ResourceVersion, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	v := d.versions[resourceID]
	if v == nil {
		return nil, &resource.NotFoundError{Kind: "resource version", Key: resourceID}
	}
	copied := *v
	return &copied, nil
}

// GetChangeHistory returns the recorded operations for a resource, newest
// first. A non-positive limit returns everything retained.
func (d *Detector) GetChangeHistory(ctx context.Context, resourceID string, limit int) ([]resource.ChangeOperation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	hist := d.history[resourceID]
	out := make([]resource.ChangeOperation, 0, len(hist))
	for i := len(hist) - 1; i >= 0; i-- {
		out = append(out, hist[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ClearChangeHistory discards the recorded operations for a resource.
func (d *Detector) ClearChangeHistory(ctx context.Context, resourceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.history, resourceID)
	return d.persistHistoryLocked(ctx)
}

// Statistics aggregates counts over the recorded history and version cache.
func (d *Detector) Statistics(ctx context.Context) (*Stats, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := &Stats{
		ByType:               make(map[resource.ChangeType]int),
		TrackedResources:     len(d.versions),
		ResourcesWithHistory: len(d.history),
	}

	for _, ops := range d.history {
		for _, op := range ops {
			stats.TotalChanges++
			stats.ByType[op.Type]++
			if stats.OldestChange == 0 || op.Timestamp < stats.OldestChange {
				stats.OldestChange = op.Timestamp
			}
			if op.Timestamp > stats.NewestChange {
				stats.NewestChange = op.Timestamp
			}
		}
	}
	if stats.ResourcesWithHistory > 0 {
		stats.AvgChangesPerResource = float64(stats.TotalChanges) / float64(stats.ResourcesWithHistory)
	}

	return stats, nil
}

// Flush re-persists both snapshots. Used to retry after a persistence
// failure without redoing detection.
func (d *Detector) Flush(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err := d.persistVersionsLocked(ctx); err != nil {
		return err
	}
	return d.persistHistoryLocked(ctx)
}

func (d *Detector) persistVersionsLocked(ctx context.Context) error {
	data, err := json.Marshal(d.versions)
	if err != nil {
		return fmt.Errorf("marshaling version cache: %w", err)
	}
	if err := d.store.Set(ctx, storage.KeyVersionCache, data, "change-detection"); err != nil {
		return fmt.Errorf("persisting version cache: %w", err)
	}
	return nil
}

func (d *Detector) persistHistoryLocked(ctx context.Context) error {
	data, err := json.Marshal(d.history)
	if err != nil {
		return fmt.Errorf("marshaling change history: %w", err)
	}
	if err := d.store.Set(ctx, storage.KeyChangeHistory, data, "change-detection"); err != nil {
		return fmt.Errorf("persisting change history: %w", err)
	}
	return nil
}

func absMs(d int64) int64 {
	if d < 0 {
		return -d
	}
	return d
}
