// Package main provides the resync CLI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"resync/adapter"
	"resync/cas"
	"resync/change"
	"resync/config"
	"resync/gitio"
	"resync/logging"
	"resync/resource"
	"resync/scope"
	"resync/storage"
	"resync/version"
	"resync/watch"
)

const defaultConfigFile = "resync.yaml"

var rootCmd = &cobra.Command{
	Use:   "resync",
	Short: "Resource synchronization - format conversion, change detection, version history",
	Long:  `Resync converts translation resources between native formats and a normalized JSON form, records content-hash fingerprints to detect and classify changes, and keeps a branching version history with merge and conflict resolution.`,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file and create the database",
	RunE:  runInit,
}

var recordCmd = &cobra.Command{
	Use:   "record <resource-id> <file>",
	Short: "Record a new version of a resource from a file",
	Args:  cobra.ExactArgs(2),
	RunE:  runRecord,
}

var detectCmd = &cobra.Command{
	Use:   "detect <resource-id> <file>",
	Short: "Compare a file against the last recorded version",
	Args:  cobra.ExactArgs(2),
	RunE:  runDetect,
}

var historyCmd = &cobra.Command{
	Use:   "history <resource-id>",
	Short: "Show the version history of a resource",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var compareCmd = &cobra.Command{
	Use:   "compare <resource-id> <source-version> <target-version>",
	Short: "Compare two versions of a resource",
	Args:  cobra.ExactArgs(3),
	RunE:  runCompare,
}

var mergeCmd = &cobra.Command{
	Use:   "merge <resource-id> <source-version> <target-version>",
	Short: "Merge one version into another",
	Args:  cobra.ExactArgs(3),
	RunE:  runMerge,
}

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Branch commands",
}

var branchCreateCmd = &cobra.Command{
	Use:   "create <resource-id> <name> <base-version>",
	Short: "Create a branch from a base version",
	Args:  cobra.ExactArgs(3),
	RunE:  runBranchCreate,
}

var branchStatusCmd = &cobra.Command{
	Use:   "status <resource-id> <name> <status>",
	Short: "Set a branch's status (active, merged, abandoned)",
	Args:  cobra.ExactArgs(3),
	RunE:  runBranchStatus,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <resource-id> <file>",
	Short: "Detect a conflict against a file and resolve it",
	Args:  cobra.ExactArgs(2),
	RunE:  runResolve,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show change and version statistics",
	RunE:  runStats,
}

var convertCmd = &cobra.Command{
	Use:   "convert <file>",
	Short: "Convert a resource file between formats",
	Args:  cobra.ExactArgs(1),
	RunE:  runConvert,
}

var scanCmd = &cobra.Command{
	Use:   "scan <git-ref>",
	Short: "Record every resource file reachable from a Git ref",
	Args:  cobra.ExactArgs(1),
	RunE:  runScan,
}

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Watch a directory and record changed resources",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

var (
	configPath   string
	dbPath       string
	jsonFlag     bool
	verboseFlag  bool
	typeFlag     string
	actorFlag    string
	limitFlag    int
	branchFlag   string
	metadataFlag bool
	strategyFlag string
	descFlag     string
	fromFlag     string
	toFlag       string
	outFlag      string
	repoPath     string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Override the database path")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Output as JSON")
	rootCmd.PersistentFlags().BoolVar(&verboseFlag, "verbose", false, "Enable debug logging")

	recordCmd.Flags().StringVar(&typeFlag, "type", "", "Resource type (bible, notes, questions, words)")
	recordCmd.Flags().StringVar(&actorFlag, "by", "", "Actor recorded on the change")
	detectCmd.Flags().StringVar(&typeFlag, "type", "", "Resource type (bible, notes, questions, words)")
	historyCmd.Flags().IntVar(&limitFlag, "limit", 0, "Maximum number of versions to show")
	historyCmd.Flags().StringVar(&branchFlag, "branch", "", "Restrict to one branch")
	historyCmd.Flags().BoolVar(&metadataFlag, "metadata", false, "Include per-version change operations")
	mergeCmd.Flags().StringVar(&strategyFlag, "strategy", "", "Merge strategy (ours, theirs, three-way, recursive)")
	mergeCmd.Flags().StringVar(&actorFlag, "by", "", "Actor recorded on the merge")
	branchCreateCmd.Flags().StringVar(&actorFlag, "by", "", "Actor recorded on the branch")
	branchCreateCmd.Flags().StringVar(&descFlag, "desc", "", "Branch description")
	resolveCmd.Flags().StringVar(&strategyFlag, "strategy", "", "Resolution strategy (local-wins, remote-wins, merge)")
	resolveCmd.Flags().StringVar(&actorFlag, "by", "", "Actor recorded on the resolution")
	resolveCmd.Flags().StringVar(&typeFlag, "type", "", "Resource type (bible, notes, questions, words)")
	convertCmd.Flags().StringVar(&fromFlag, "from", "", "Source format (detected from the extension when omitted)")
	convertCmd.Flags().StringVar(&toFlag, "to", "", "Target format")
	convertCmd.Flags().StringVar(&typeFlag, "type", "", "Resource type (bible, notes, questions, words)")
	convertCmd.Flags().StringVar(&outFlag, "out", "", "Write the result to a file instead of stdout")
	scanCmd.Flags().StringVar(&repoPath, "repo", ".", "Path to the Git repository")
	scanCmd.Flags().StringVar(&actorFlag, "by", "", "Actor recorded on the changes")
	watchCmd.Flags().StringVar(&actorFlag, "by", "", "Actor recorded on the changes")

	branchCmd.AddCommand(branchCreateCmd)
	branchCmd.AddCommand(branchStatusCmd)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(branchCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// errUnchanged signals that a record request matched the stored fingerprint
// and no new version was created.
var errUnchanged = errors.New("content unchanged")

// services bundles the configured subsystem components behind one open/close
// pair.
type services struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    storage.Store
	registry *adapter.Registry
	detector *change.Detector
	versions *version.Manager
	gate     *scope.Gate
}

func openServices(ctx context.Context) (*services, error) {
	cfg, err := config.LoadOrEnv(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if verboseFlag {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	logger = logger.With().Str("session", shortID()).Logger()

	store, err := storage.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	detector, err := change.NewDetector(ctx, store, change.Config{
		MaxHistorySize:   cfg.MaxHistorySize,
		TrackingEnabled:  cfg.TrackingEnabled,
		ConflictWindowMs: cfg.ConflictWindowMs,
	}, logging.Component(logger, "change"))
	if err != nil {
		store.Close()
		return nil, err
	}

	versions, err := version.NewManager(ctx, store, logging.Component(logger, "version"))
	if err != nil {
		store.Close()
		return nil, err
	}

	gate, err := scope.LoadRulesOrEmpty(cfg.ScopeFile)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &services{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		registry: newRegistry(logging.Component(logger, "adapter")),
		detector: detector,
		versions: versions,
		gate:     gate,
	}, nil
}

// Close flushes both services and closes the store.
func (s *services) Close() error {
	ctx := context.Background()
	if err := s.detector.Flush(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("flushing change detector")
	}
	if err := s.versions.Flush(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("flushing version manager")
	}
	return s.store.Close()
}

func newRegistry(logger zerolog.Logger) *adapter.Registry {
	registry := adapter.NewRegistry(logger)
	registry.Register(adapter.NewUSFMAdapter())
	registry.Register(adapter.NewTSVAdapter())
	registry.Register(adapter.NewYAMLAdapter())
	return registry
}

func shortID() string {
	return uuid.NewString()[:8]
}

func actor() string {
	if actorFlag != "" {
		return actorFlag
	}
	return "cli-" + shortID()
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = defaultConfigFile
	}
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
	} else {
		data, err := yaml.Marshal(config.Default())
		if err != nil {
			return fmt.Errorf("marshaling default config: %w", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}
		fmt.Printf("Wrote default config: %s\n", path)
	}

	cfg, err := config.LoadOrEnv(path)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	store, err := storage.OpenSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	fmt.Printf("Initialized database: %s\n", cfg.DBPath)
	return nil
}

func runRecord(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	node, err := recordFile(ctx, svc, args[0], args[1], typeFlag, actor())
	if errors.Is(err, errUnchanged) {
		fmt.Printf("%s unchanged\n", args[0])
		return nil
	}
	if err != nil {
		return err
	}

	if jsonFlag {
		return printJSON(node)
	}
	fmt.Printf("Recorded %s version %d: %s\n", node.ResourceID, node.Version, node.ID)
	return nil
}

func runDetect(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	resourceID, path := args[0], args[1]
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	format := gitio.DetectFormat(path)
	if format == "" {
		return fmt.Errorf("cannot detect format of %s", path)
	}

	contentHash, metadataHash, _, err := normalizedHashes(svc, string(raw), format, typeFlag)
	if err != nil {
		return err
	}

	report, err := svc.detector.DetectChanges(ctx, resourceID, contentHash, metadataHash, nil)
	if err != nil {
		return fmt.Errorf("detecting changes: %w", err)
	}

	if jsonFlag {
		return printJSON(report)
	}
	if !report.HasChanged {
		fmt.Printf("%s: no changes\n", resourceID)
		return nil
	}
	fmt.Printf("%s: %s\n", resourceID, report.ChangeType)
	for _, op := range report.Changes {
		fmt.Printf("  %-10s %s to %s\n", op.Field, shortHash(op.OldValue), shortHash(op.NewValue))
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	nodes, err := svc.versions.History(ctx, args[0], version.HistoryOptions{
		Limit:           limitFlag,
		Branch:          branchFlag,
		IncludeMetadata: metadataFlag,
	})
	if err != nil {
		return fmt.Errorf("listing history: %w", err)
	}

	if jsonFlag {
		return printJSON(nodes)
	}
	if len(nodes) == 0 {
		fmt.Println("No versions found.")
		return nil
	}
	fmt.Printf("%-26s  %7s  %-12s  %-20s  %s\n", "ID", "VERSION", "BRANCH", "CREATED", "DESCRIPTION")
	for _, n := range nodes {
		branch := n.Branch
		if branch == "" {
			branch = "-"
		}
		desc := n.Metadata.Description
		if n.IsMergeNode() {
			desc = "[merge] " + desc
		}
		created := time.UnixMilli(n.Metadata.CreatedAt).UTC().Format("2006-01-02 15:04:05")
		fmt.Printf("%-26s  %7d  %-12s  %-20s  %s\n", n.ID, n.Version, branch, created, desc)
	}
	return nil
}

func runCompare(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	cmp, err := svc.versions.Compare(ctx, args[0], args[1], args[2])
	if err != nil {
		return fmt.Errorf("comparing versions: %w", err)
	}

	if jsonFlag {
		return printJSON(cmp)
	}
	if cmp.CommonAncestor != "" {
		fmt.Printf("Common ancestor: %s\n", cmp.CommonAncestor)
	} else {
		fmt.Println("No common ancestor.")
	}
	if len(cmp.Differences) == 0 {
		fmt.Println("No differences.")
		return nil
	}
	fmt.Printf("%-14s  %-8s  %-12s  %s\n", "FIELD", "SEVERITY", "SUGGESTED", "VALUES")
	for _, d := range cmp.Differences {
		fmt.Printf("%-14s  %-8s  %-12s  %s / %s\n",
			d.Field, d.Severity, d.Suggested, shortHash(d.SourceValue), shortHash(d.TargetValue))
	}
	fmt.Printf("Merge complexity: %.1f\n", cmp.MergeComplexity)
	fmt.Printf("Auto-mergeable: %v\n", cmp.CanAutoMerge)
	return nil
}

func runMerge(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	strategy := strategyFlag
	if strategy == "" {
		strategy = svc.cfg.DefaultStrategy
	}

	node, err := svc.versions.Merge(ctx, args[0], args[1], args[2], resource.MergeStrategy(strategy), actor())
	if err != nil {
		return fmt.Errorf("merging: %w", err)
	}

	if jsonFlag {
		return printJSON(node)
	}
	fmt.Printf("Merged %s into %s using %s\n", args[1], args[2], strategy)
	fmt.Printf("Created version %d: %s\n", node.Version, node.ID)
	return nil
}

func runBranchCreate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	b, err := svc.versions.CreateBranch(ctx, args[0], args[1], args[2], actor(), descFlag)
	if err != nil {
		return fmt.Errorf("creating branch: %w", err)
	}

	if jsonFlag {
		return printJSON(b)
	}
	fmt.Printf("Created branch %s at %s\n", b.Name, b.Head)
	return nil
}

func runBranchStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.versions.UpdateBranchStatus(ctx, args[0], args[1], resource.BranchStatus(args[2])); err != nil {
		return fmt.Errorf("updating branch status: %w", err)
	}
	fmt.Printf("Branch %s is now %s\n", args[1], args[2])
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	if strategyFlag == "" {
		return fmt.Errorf("--strategy is required (local-wins, remote-wins, merge)")
	}

	resourceID, path := args[0], args[1]
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	format := gitio.DetectFormat(path)
	if format == "" {
		return fmt.Errorf("cannot detect format of %s", path)
	}

	contentHash, metadataHash, _, err := normalizedHashes(svc, string(raw), format, typeFlag)
	if err != nil {
		return err
	}

	local, err := svc.detector.GetResourceVersion(ctx, resourceID)
	if err != nil {
		return fmt.Errorf("nothing recorded for %s: %w", resourceID, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("checking %s: %w", path, err)
	}
	by := actor()
	remote := &resource.ResourceVersion{
		ResourceID:   resourceID,
		Version:      local.Version,
		ContentHash:  contentHash,
		MetadataHash: metadataHash,
		LastModified: info.ModTime().UnixMilli(),
		ModifiedBy:   by,
	}

	report, err := svc.detector.DetectChanges(ctx, resourceID, contentHash, metadataHash, remote)
	if err != nil {
		return fmt.Errorf("detecting conflict: %w", err)
	}
	if report.Conflict == nil {
		fmt.Println("No conflict to resolve.")
		return nil
	}

	resolved, err := svc.versions.ResolveConflict(ctx, resourceID, report.Conflict, version.Resolution{
		Strategy:      resource.ResolutionStrategy(strategyFlag),
		ResolvedBy:    by,
		LocalVersion:  local,
		RemoteVersion: remote,
	})
	if err != nil {
		return fmt.Errorf("resolving conflict: %w", err)
	}

	// Keep the fingerprint cache aligned with the resolved state.
	if _, err := svc.detector.RecordVersion(ctx, resourceID, resolved.ContentHash, resolved.MetadataHash, by, nil); err != nil {
		return fmt.Errorf("recording resolved version: %w", err)
	}

	if jsonFlag {
		return printJSON(resolved)
	}
	fmt.Printf("Resolved %s conflict using %s\n", report.Conflict.Type, strategyFlag)
	fmt.Printf("Created version %d: %s\n", resolved.Version, resolved.ID)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	cs, err := svc.detector.Statistics(ctx)
	if err != nil {
		return fmt.Errorf("collecting change statistics: %w", err)
	}
	vs, err := svc.versions.Statistics(ctx)
	if err != nil {
		return fmt.Errorf("collecting version statistics: %w", err)
	}

	if jsonFlag {
		return printJSON(struct {
			Changes  *change.Stats  `json:"changes"`
			Versions *version.Stats `json:"versions"`
		}{cs, vs})
	}

	fmt.Printf("Tracked resources:    %d\n", cs.TrackedResources)
	fmt.Printf("Recorded changes:     %d\n", cs.TotalChanges)
	for t, n := range cs.ByType {
		fmt.Printf("  %-12s        %d\n", t, n)
	}
	fmt.Printf("Versioned resources:  %d\n", vs.Resources)
	fmt.Printf("Version nodes:        %d\n", vs.Versions)
	fmt.Printf("Branches:             %d\n", vs.Branches)
	fmt.Printf("Avg versions:         %.1f\n", vs.AvgVersionsPerResource)
	return nil
}

func runConvert(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}

	from := fromFlag
	if from == "" {
		from = gitio.DetectFormat(args[0])
	}
	if from == "" {
		return fmt.Errorf("cannot detect format of %s, use --from", args[0])
	}
	if toFlag == "" {
		return fmt.Errorf("--to is required")
	}
	if from == toFlag {
		return fmt.Errorf("source and target formats are both %s", from)
	}

	level := "warn"
	if verboseFlag {
		level = "debug"
	}
	registry := newRegistry(logging.New(logging.Config{Level: level}))

	var output string
	switch {
	case from == adapter.FormatJSON:
		res, err := registry.FromJSON(string(raw), toFlag, typeFlag)
		if err != nil {
			return err
		}
		output = res.Output
	case toFlag == adapter.FormatJSON:
		res, err := registry.ToJSON(string(raw), from, typeFlag)
		if err != nil {
			return err
		}
		output = res.Output
	default:
		// Pivot through the normalized form.
		normalized, err := registry.ToJSON(string(raw), from, typeFlag)
		if err != nil {
			return err
		}
		res, err := registry.FromJSON(normalized.Output, toFlag, typeFlag)
		if err != nil {
			return err
		}
		output = res.Output
	}

	if outFlag != "" {
		if err := os.WriteFile(outFlag, []byte(output), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", outFlag, err)
		}
		fmt.Printf("Wrote %s\n", outFlag)
		return nil
	}
	fmt.Print(output)
	if !strings.HasSuffix(output, "\n") {
		fmt.Println()
	}
	return nil
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	repo, err := gitio.Open(repoPath)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}
	commit, err := repo.ResolveRef(args[0])
	if err != nil {
		return fmt.Errorf("resolving ref: %w", err)
	}
	files, err := repo.ResourceFiles(commit)
	if err != nil {
		return fmt.Errorf("listing resource files: %w", err)
	}

	by := actor()
	var recorded, unchanged, skipped, failed int
	for _, f := range files {
		if !svc.gate.Allows(f.Path) {
			skipped++
			continue
		}
		resourceID := strings.TrimSuffix(f.Path, filepath.Ext(f.Path))
		node, err := recordContent(ctx, svc, resourceID, string(f.Content), f.Format, "", by, f.Path)
		if errors.Is(err, errUnchanged) {
			unchanged++
			continue
		}
		if err != nil {
			svc.logger.Warn().Err(err).Str("path", f.Path).Msg("skipping file")
			failed++
			continue
		}
		recorded++
		if verboseFlag {
			fmt.Printf("  recorded %s as %s\n", f.Path, node.ID)
		}
	}

	fmt.Printf("Scanned %s at %s\n", args[0], shortHash(gitio.CommitHash(commit)))
	fmt.Printf("Recorded: %d  Unchanged: %d  Skipped: %d  Failed: %d\n",
		recorded, unchanged, skipped, failed)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	svc, err := openServices(context.Background())
	if err != nil {
		return err
	}
	defer svc.Close()

	debounce := time.Duration(svc.cfg.WatchDebounceMs) * time.Millisecond
	w, err := watch.New(args[0], watch.Options{
		Debounce: debounce,
		Gate:     svc.gate,
	}, logging.Component(svc.logger, "watch"))
	if err != nil {
		return err
	}
	defer w.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	w.Start(ctx)

	fmt.Printf("Watching %s (debounce %s)\n", args[0], debounce)
	by := actor()
	for ev := range w.Events() {
		resourceID := strings.TrimSuffix(ev.Path, filepath.Ext(ev.Path))
		switch ev.Op {
		case watch.OpCreate, watch.OpWrite:
			if gitio.DetectFormat(ev.Path) == "" {
				continue
			}
			node, err := recordFile(ctx, svc, resourceID, filepath.Join(args[0], ev.Path), "", by)
			if errors.Is(err, errUnchanged) {
				continue
			}
			if err != nil {
				svc.logger.Warn().Err(err).Str("path", ev.Path).Msg("recording failed")
				continue
			}
			fmt.Printf("%s %s version %d\n", ev.Op, resourceID, node.Version)
		case watch.OpRemove, watch.OpRename:
			op := resource.ChangeOperation{
				Type:       resource.ChangeDeleted,
				ResourceID: resourceID,
				Field:      "content",
				ChangedBy:  by,
				Context:    "watched file removed",
			}
			if err := svc.detector.RecordChange(context.Background(), op); err != nil {
				svc.logger.Warn().Err(err).Str("path", ev.Path).Msg("recording removal failed")
				continue
			}
			fmt.Printf("%s %s\n", ev.Op, resourceID)
		}
	}
	return nil
}

// recordFile reads a file, detects its format, and records it as a new
// version of the resource.
func recordFile(ctx context.Context, svc *services, resourceID, path, resourceType, by string) (*resource.VersionNode, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	format := gitio.DetectFormat(path)
	if format == "" {
		return nil, fmt.Errorf("cannot detect format of %s", path)
	}
	return recordContent(ctx, svc, resourceID, string(raw), format, resourceType, by, path)
}

// recordContent runs the full record pipeline: normalize, hash, update the
// fingerprint cache, log the change operation, and append a version node.
// Returns errUnchanged when the content matches the stored fingerprint.
func recordContent(ctx context.Context, svc *services, resourceID, content, format, resourceType, by, source string) (*resource.VersionNode, error) {
	contentHash, metadataHash, _, err := normalizedHashes(svc, content, format, resourceType)
	if err != nil {
		return nil, err
	}

	var prevHash string
	opType := resource.ChangeCreated
	prev, err := svc.detector.GetResourceVersion(ctx, resourceID)
	if err == nil {
		if prev.ContentHash == contentHash && prev.MetadataHash == metadataHash {
			return nil, errUnchanged
		}
		prevHash = prev.ContentHash
		opType = resource.ChangeUpdated
	} else {
		var nf *resource.NotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
	}

	rec, err := svc.detector.RecordVersion(ctx, resourceID, contentHash, metadataHash, by, nil)
	if err != nil {
		return nil, fmt.Errorf("recording version: %w", err)
	}

	op := resource.ChangeOperation{
		Type:       opType,
		ResourceID: resourceID,
		Field:      "content",
		OldValue:   prevHash,
		NewValue:   contentHash,
		ChangedBy:  by,
		Context:    "recorded from " + source,
	}
	if err := svc.detector.RecordChange(ctx, op); err != nil {
		return nil, fmt.Errorf("recording change: %w", err)
	}

	node, err := svc.versions.CreateVersion(ctx, resourceID, *rec, []resource.ChangeOperation{op}, "recorded from "+filepath.Base(source), "")
	if err != nil {
		return nil, fmt.Errorf("creating version node: %w", err)
	}
	return node, nil
}

// normalizedHashes converts native content to the normalized JSON form and
// derives the content and metadata hashes. An empty resource type defaults
// by format so record and detect agree on the metadata hash.
func normalizedHashes(svc *services, content, format, resourceType string) (string, string, string, error) {
	if resourceType == "" {
		resourceType = typeForFormat(format)
	}

	var normalized string
	if format == adapter.FormatJSON {
		var v interface{}
		if err := json.Unmarshal([]byte(content), &v); err != nil {
			return "", "", "", fmt.Errorf("parsing json: %w", err)
		}
		canonical, err := cas.CanonicalJSON(v)
		if err != nil {
			return "", "", "", fmt.Errorf("canonicalizing json: %w", err)
		}
		normalized = string(canonical)
	} else {
		res, err := svc.registry.ToJSON(content, format, resourceType)
		if err != nil {
			return "", "", "", err
		}
		normalized = res.Output
	}

	contentHash := cas.HashHex([]byte(normalized))
	metadataHash, err := cas.HashValueHex(map[string]string{
		"format":       format,
		"resourceType": resourceType,
	})
	if err != nil {
		return "", "", "", err
	}
	return contentHash, metadataHash, resourceType, nil
}

func typeForFormat(format string) string {
	switch format {
	case adapter.FormatUSFM:
		return "bible"
	case adapter.FormatTSV:
		return "notes"
	}
	return ""
}

func printJSON(v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}

func shortHash(h string) string {
	if h == "" {
		return "-"
	}
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
