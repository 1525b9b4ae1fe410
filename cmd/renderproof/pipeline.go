package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/renderproof/renderproof/internal/config"
	"github.com/renderproof/renderproof/internal/convert"
	"github.com/renderproof/renderproof/internal/corpus"
	"github.com/renderproof/renderproof/internal/diffrun"
	"github.com/renderproof/renderproof/internal/identity"
	"github.com/renderproof/renderproof/internal/ledger"
	"github.com/renderproof/renderproof/internal/model"
	"github.com/renderproof/renderproof/internal/runcache"
	"github.com/renderproof/renderproof/internal/store"
	"github.com/renderproof/renderproof/pkg/logger"
	"github.com/renderproof/renderproof/pkg/shutdown"
)

// RegressionPipeline wires the phases of one regression run: corpus
// discovery, conversion on both engine builds, page diffing, and
// persistence of the entity graph.
type RegressionPipeline struct {
	cfg      *config.Config
	log      *logger.Logger
	runID    string
	ledger   *ledger.Ledger
	cache    *identity.Cache
	resolver *identity.Resolver
	refConv  convert.Converter
	tarConv  convert.Converter
	layout   convert.Layout
	files    []corpus.File
	snap     *runcache.Snapshot
}

// NewRegressionPipeline builds a pipeline from configuration. Version
// probing and corpus discovery happen here so every later phase works
// from the same inputs.
func NewRegressionPipeline(ctx context.Context, cfg *config.Config, log *logger.Logger, runID string) (*RegressionPipeline, error) {
	p := &RegressionPipeline{cfg: cfg, log: log, runID: runID}

	var err error
	p.refConv, err = newConverter(cfg.Ref, cfg.Convert)
	if err != nil {
		return nil, fmt.Errorf("reference engine: %w", err)
	}
	p.tarConv, err = newConverter(cfg.Tar, cfg.Convert)
	if err != nil {
		return nil, fmt.Errorf("target engine: %w", err)
	}

	refVersion, err := p.refConv.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to probe reference engine version: %w", err)
	}
	tarVersion, err := p.tarConv.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to probe target engine version: %w", err)
	}

	mode := convert.ModeFlat
	if cfg.Centralized() {
		mode = convert.ModeCentralized
	}
	p.layout = convert.Layout{
		Mode:       mode,
		SrcRoot:    cfg.Run.SrcDir,
		OutDir:     cfg.Run.OutDir,
		RefOut:     cfg.Run.RefOutDir,
		TarOut:     cfg.Run.TarOutDir,
		DiffOut:    cfg.Run.DiffOutDir,
		RefVersion: model.SanitizeVersion(refVersion),
		TarVersion: model.SanitizeVersion(tarVersion),
	}

	if cfg.Redis.Enabled {
		p.cache = identity.NewCache(identity.CacheConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, log)
	}
	p.resolver = identity.NewResolver(p.cache, log)

	if root := p.artifactPath("."); root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output root: %w", err)
		}
	}
	p.ledger, err = ledger.New(p.artifactPath(cfg.Run.ErrorLog), log)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}

	p.files, err = corpus.Discover(cfg.Run.SrcDir, cfg.Run.Extensions, log)
	if err != nil {
		return nil, fmt.Errorf("corpus discovery failed: %w", err)
	}

	p.snap = runcache.New(runID)
	p.snap.OutDir = cfg.Run.OutDir
	p.snap.RefOut = cfg.Run.RefOutDir
	p.snap.TarOut = cfg.Run.TarOutDir
	p.snap.RefBin = cfg.Ref.BinPath
	p.snap.TarBin = cfg.Tar.BinPath
	p.snap.RefVersion = p.layout.RefVersion
	p.snap.TarVersion = p.layout.TarVersion

	log.Info("pipeline ready",
		"run_id", runID,
		"documents", len(p.files),
		"ref_version", p.layout.RefVersion,
		"tar_version", p.layout.TarVersion,
	)
	return p, nil
}

// newConverter picks the engine flavor for one side.
func newConverter(eng config.EngineConfig, conv config.ConvertConfig) (convert.Converter, error) {
	switch {
	case eng.UseSDK:
		return convert.NewFitzConverter(conv.RenderDPI), nil
	case eng.BinPath != "":
		return convert.NewBinaryConverter(eng.BinPath, time.Duration(conv.TimeoutSeconds)*time.Second), nil
	default:
		return nil, fmt.Errorf("no converter binary or SDK mode configured")
	}
}

// Convert runs both conversion phases. The two engine builds work the
// same corpus independently, so they run in parallel.
func (p *RegressionPipeline) Convert(ctx context.Context) error {
	bar := progressbar.NewOptions(2*len(p.files),
		progressbar.OptionSetDescription("Converting documents"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, phase := range []struct {
		conv convert.Converter
		side model.Side
	}{{p.refConv, model.SideRef}, {p.tarConv, model.SideTar}} {
		o := convert.NewOrchestrator(p.layout, p.ledger, p.resolver, p.cfg.Run.Workers, p.log)
		o.OnProgress = func() { bar.Add(1) }
		g.Go(func() error {
			return o.Run(ctx, p.files, phase.conv, phase.side)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Println()
	return nil
}

// Diff runs the page diff phase and collects metrics into the run
// snapshot.
func (p *RegressionPipeline) Diff(ctx context.Context) error {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("Diffing page pairs"),
		progressbar.OptionShowCount(),
	)

	o := diffrun.NewOrchestrator(p.layout, p.resolver, p.ledger,
		p.cfg.Run.Workers, p.cfg.Run.MaxPages, p.log)
	o.OnProgress = func() { bar.Add(1) }

	if err := o.Run(ctx, p.files, p.snap); err != nil {
		return err
	}
	fmt.Println()
	p.log.Info("diff phase complete",
		"page_pairs", len(p.snap.DiffMetricsRefMap),
	)
	return nil
}

// Persist writes the assembled entity graph to the document store.
// Only the centralized layout carries document identity, so flat runs
// skip this phase.
func (p *RegressionPipeline) Persist(ctx context.Context, dryRun bool) (*store.Report, error) {
	if !p.cfg.Centralized() {
		p.log.Info("flat layout, skipping persistence")
		return nil, nil
	}

	var s store.Store
	if dryRun {
		s = store.NewMemory()
	} else {
		pg, err := store.NewPostgres(store.PostgresConfig{
			Host:         p.cfg.Database.Host,
			Port:         p.cfg.Database.Port,
			User:         p.cfg.Database.User,
			Password:     p.cfg.Database.Password,
			Database:     p.cfg.Database.Database,
			SSLMode:      p.cfg.Database.SSLMode,
			MaxOpenConns: p.cfg.Database.MaxOpenConns,
			MaxIdleConns: p.cfg.Database.MaxIdleConns,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to document store: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		s = pg
	}
	defer s.Close()

	var mirror *store.Mirror
	if p.cfg.Storage.Enabled && !dryRun {
		m, err := store.NewMirror(store.MirrorConfig{
			Endpoint:        p.cfg.Storage.Endpoint,
			AccessKeyID:     p.cfg.Storage.AccessKeyID,
			SecretAccessKey: p.cfg.Storage.SecretAccessKey,
			BucketName:      p.cfg.Storage.BucketName,
			UseSSL:          p.cfg.Storage.UseSSL,
			Region:          p.cfg.Storage.Region,
		})
		if err != nil {
			p.log.WithError(err).Warn("object storage unavailable, continuing without mirror")
		} else if err := m.InitBucket(ctx); err != nil {
			p.log.WithError(err).Warn("bucket init failed, continuing without mirror")
		} else {
			mirror = m
		}
	}

	items, err := diffrun.BuildDocuments(ctx, p.files, p.layout, p.resolver, p.snap, p.refConv.Type())
	if err != nil {
		return nil, fmt.Errorf("failed to assemble documents: %w", err)
	}

	bar := progressbar.NewOptions(len(items),
		progressbar.OptionSetDescription("Persisting documents"),
		progressbar.OptionShowCount(),
	)
	persister := store.NewPersister(s, mirror, p.cfg.Persist.RatePerSecond, p.log)
	persister.OnProgress = func() { bar.Add(1) }

	report, err := persister.Persist(ctx, p.runID, items, p.layout.RefVersion, p.layout.TarVersion)
	if err != nil {
		return report, err
	}
	fmt.Println()

	reportPath := p.artifactPath("serializeout.json")
	if err := report.Write(reportPath); err != nil {
		return report, err
	}
	p.log.Info("persistence complete",
		"persisted", len(report.Persisted),
		"failed", len(report.Failed),
		"report", reportPath,
	)
	return report, nil
}

// SaveCache writes the run snapshot for later persist or report runs.
func (p *RegressionPipeline) SaveCache() error {
	path := p.artifactPath(p.cfg.Run.CacheFile)
	if err := runcache.Save(path, p.snap); err != nil {
		return err
	}
	p.log.Info("run snapshot saved", "path", path)
	return nil
}

// LoadCache restores a previous run snapshot, replacing the fresh one.
func (p *RegressionPipeline) LoadCache() error {
	snap, err := runcache.Load(p.artifactPath(p.cfg.Run.CacheFile))
	if err != nil {
		return err
	}
	p.snap = snap
	if snap.RefVersion != "" {
		p.layout.RefVersion = snap.RefVersion
	}
	if snap.TarVersion != "" {
		p.layout.TarVersion = snap.TarVersion
	}
	return nil
}

// WriteSanity writes the failure-ledger report and logs the summary.
func (p *RegressionPipeline) WriteSanity() error {
	report := p.ledger.Report(p.runID, len(p.files))
	p.log.Info("sanity summary",
		"documents", len(p.files),
		"crashes", len(report.Crashes),
		"exceptions", p.ledger.ExceptionCount(),
		"missing", len(report.Missing),
	)
	return p.ledger.WriteReport(p.artifactPath(p.cfg.Run.ReportFile), p.runID, len(p.files))
}

// RegisterCleanups registers pipeline resources with the shutdown
// handler. The ledger goes last so late failures still reach the log.
func (p *RegressionPipeline) RegisterCleanups(h *shutdown.Handler) {
	h.Register("error-ledger", func(context.Context) error {
		return p.ledger.Close()
	})
	if p.cache != nil {
		h.Register("hash-cache", func(context.Context) error {
			return p.cache.Close()
		})
	}
}

// artifactPath resolves a run artifact name against the run's output
// root. Absolute paths pass through unchanged.
func (p *RegressionPipeline) artifactPath(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	root := p.cfg.Run.OutDir
	if root == "" {
		root = p.cfg.Run.DiffOutDir
	}
	return filepath.Join(root, name)
}
