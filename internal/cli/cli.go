// Package cli implements the command-line interface for compactctl.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/eunmann/streamsetcompact/internal/logctx"
	"github.com/eunmann/streamsetcompact/pkg/compact"
	"github.com/eunmann/streamsetcompact/pkg/logging"
)

// Run executes the CLI with the given arguments.
func Run(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: compactctl <command> [options]\ncommands: run, force-split, plan")
	}

	switch args[0] {
	case "run":
		return runCompact(args[1:])
	case "force-split":
		return runForceSplit(args[1:])
	case "plan":
		return runPlan(args[1:])
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// sharedFlags registers every Config field except BucketID and the
// circuit-breaker settings, plus the snapshot/audit/logging flags common to
// all three commands.
type sharedFlags struct {
	fs       *flag.FlagSet
	cfg      *compact.Config
	snapshot *string
	debug    *bool
	human    *bool
	audit    *string
}

func newSharedFlags(name string) *sharedFlags {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	defaults := compact.DefaultConfig()
	cfg := &compact.Config{}

	fs.IntVar(&cfg.NodeID, "node-id", defaults.NodeID, "node id, used only in log prefixes")
	fs.DurationVar(&cfg.CompactionInterval, "compaction-interval", defaults.CompactionInterval, "base period between scheduled runs")
	fs.DurationVar(&cfg.ForceSplitObjectPeriod, "force-split-period", defaults.ForceSplitObjectPeriod, "age threshold for force-split classification")
	fs.IntVar(&cfg.MaxObjectNumToCompact, "max-objects", defaults.MaxObjectNumToCompact, "hard cap on candidates considered per run")
	fs.IntVar(&cfg.MaxStreamNumPerStreamSetObject, "max-streams-per-object", defaults.MaxStreamNumPerStreamSetObject, "cap on distinct streams in the compact output")
	fs.IntVar(&cfg.MaxStreamObjectNumPerCommit, "max-split-fanout", defaults.MaxStreamObjectNumPerCommit, "cap on SPLIT stream objects per commit")
	fs.Int64Var(&cfg.CompactionCacheSize, "cache-size", defaults.CompactionCacheSize, "read budget per plan iteration, in bytes")
	fs.Int64Var(&cfg.StreamSplitSize, "split-size", defaults.StreamSplitSize, "SPLIT vs COMPACT threshold, in bytes")
	fs.Int64Var(&cfg.NetworkBaselineBandwidth, "bandwidth", defaults.NetworkBaselineBandwidth, "caps per-read batch size, in bytes")
	fs.Int64Var(&cfg.ObjectPartSize, "part-size", defaults.ObjectPartSize, "multipart upload chunk size, in bytes")
	fs.StringVar(&cfg.Bucket, "bucket", "", "S3 bucket holding stream-set and stream objects")

	snapshot := fs.String("snapshot", "", "path to a metadata snapshot JSON file (offline/dry-run mode)")
	audit := fs.String("audit-log", "", "path to a Parquet audit log; empty disables it")
	debug := fs.Bool("debug", false, "enable debug logging")
	human := fs.Bool("human", false, "use human-readable console logging instead of JSON")

	return &sharedFlags{fs: fs, cfg: cfg, snapshot: snapshot, debug: debug, human: human, audit: audit}
}

func (s *sharedFlags) parse(args []string) error {
	if err := s.fs.Parse(args); err != nil {
		return err
	}
	if *s.snapshot == "" {
		return errors.New("--snapshot is required")
	}
	if s.cfg.Bucket == "" {
		return errors.New("--bucket is required")
	}
	return s.cfg.Validate()
}

// buildFromSnapshot loads the snapshot, wires in-memory managers for it,
// and pairs them with a production S3-backed ObjectStorage.
func buildFromSnapshot(ctx context.Context, s *sharedFlags) (*compact.CompactionManager, *compact.MetadataSnapshot, error) {
	snap, err := compact.LoadMetadataSnapshot(*s.snapshot)
	if err != nil {
		return nil, nil, err
	}
	om, sm := snap.Managers()

	storage, err := compact.NewS3Storage(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("build S3 storage: %w", err)
	}

	var audit *compact.AuditLog
	if *s.audit != "" {
		audit = compact.OpenAuditLog(*s.audit)
	}

	log := logctx.NewConfiguredLogger(*s.debug, *s.human)
	mgr := compact.NewCompactionManager(*s.cfg, om, sm, storage, audit, log)
	return mgr, snap, nil
}

func runCompact(args []string) error {
	s := newSharedFlags("run")
	if err := s.parse(args); err != nil {
		return err
	}
	logging.Init(*s.debug, *s.human)

	ctx := context.Background()
	mgr, _, err := buildFromSnapshot(ctx, s)
	if err != nil {
		return err
	}

	req, err := mgr.Compact(ctx)
	if err != nil {
		return err
	}
	if req == nil {
		fmt.Println("no candidates required compaction")
		return nil
	}
	fmt.Println(req.String())
	return nil
}

func runForceSplit(args []string) error {
	s := newSharedFlags("force-split")
	if err := s.parse(args); err != nil {
		return err
	}
	logging.Init(*s.debug, *s.human)

	ctx := context.Background()
	mgr, _, err := buildFromSnapshot(ctx, s)
	if err != nil {
		return err
	}

	return mgr.ForceSplitAll(ctx)
}

func runPlan(args []string) error {
	s := newSharedFlags("plan")
	if err := s.parse(args); err != nil {
		return err
	}

	snap, err := compact.LoadMetadataSnapshot(*s.snapshot)
	if err != nil {
		return err
	}

	nowMs := time.Now().UnixMilli()
	classified := compact.Classify(snap.Objects, nowMs, s.cfg.ForceSplitObjectPeriod.Milliseconds(), s.cfg.MaxObjectNumToCompact)

	fmt.Printf("force-split candidates: %d\n", len(classified.ForceSplit))
	fmt.Printf("compact candidates:     %d\n", len(classified.Compact))
	if classified.HasRemainingObjects {
		fmt.Println("note: candidate count exceeds --max-objects; remaining objects deferred")
	}
	return nil
}
