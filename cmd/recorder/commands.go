package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/audit"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/engine"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/infra"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/policy"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/report"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/repository/postgres"
)

// newFlagSet — общие флаги конфигурации и логгера для всех команд.
func newFlagSet(name string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.String("config", "", "settings file (default ./flightrec.yaml or ./configs/flightrec.yaml)")
	fs.String("log-level", "", "log level: debug, info, warn, error")
	fs.String("log-format", "", "log format: json, console")
	return fs
}

// setup разбирает флаги и собирает конфиг с логгером. Логи идут в stderr.
func setup(fs *pflag.FlagSet, args []string, stderr io.Writer) (*infra.Config, *zap.Logger, int) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, nil, exitOK
		}
		return nil, nil, exitUsage
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected arguments: %v\n", fs.Args())
		return nil, nil, exitUsage
	}
	cfg, err := infra.LoadConfig(fs)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nil, nil, exitUsage
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nil, nil, exitUsage
	}
	return cfg, logger, -1
}

func loadProfile(ctx context.Context, path, name string) (policy.Profile, *policy.Registry, error) {
	var doc *policy.Document
	if path != "" {
		d, err := policy.LoadDocument(path)
		if err != nil {
			return policy.Profile{}, nil, err
		}
		doc = d
	}
	profile, err := policy.Resolve(doc, name)
	if err != nil {
		return policy.Profile{}, nil, err
	}
	registry, err := policy.RegistryFor(ctx, profile)
	if err != nil {
		return policy.Profile{}, nil, err
	}
	return profile, registry, nil
}

func newSigner(cfg *infra.Config) (audit.Signer, error) {
	if len(cfg.Recorder.AnchorSecret) == 0 {
		return nil, nil
	}
	return audit.NewHMACSigner(cfg.Recorder.AnchorSecret)
}

func runCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("run", stderr)
	input := fs.String("input", "", "flight log (JSONL)")
	out := fs.String("out", "", "output directory")
	overwrite := fs.Bool("overwrite", false, "replace the whole output directory, including unrelated files")
	fs.Bool("policy-sim", false, "evaluate the advisory policy")
	fs.String("profile", "", "policy profile name")
	fs.String("policy", "", "profile document (YAML or JSON)")
	fs.StringSlice("declared-intents", nil, "event types the agent declared up front")
	fs.Bool("anchor", false, "write anchor.json")
	emitTemplate := fs.Bool("emit-template", false, "write policy_template.json with the resolved profile")
	publish := fs.Bool("anchor-publish", false, "publish the anchor to Redis")
	fs.String("redis-addr", "", "Redis address for --anchor-publish")
	exportDB := fs.Bool("export-db", false, "export receipts to PostgreSQL")
	fs.String("db-url", "", "PostgreSQL URL for --export-db")
	metricsFile := fs.String("metrics-file", "", "write run metrics in Prometheus textfile format")

	cfg, logger, code := setup(fs, args, stderr)
	if code >= 0 {
		return code
	}
	defer func() { _ = logger.Sync() }()

	if *input == "" || *out == "" {
		fmt.Fprintln(stderr, "run: --input and --out are required")
		return exitUsage
	}

	// 1. Политика и подпись — до чтения журнала
	profile, registry, err := loadProfile(ctx, cfg.Recorder.PolicyFile, cfg.Recorder.Profile)
	if err != nil {
		logger.Error("invalid policy configuration", zap.Error(err))
		return exitUsage
	}
	signer, err := newSigner(cfg)
	if err != nil {
		logger.Error("invalid anchor secret", zap.Error(err))
		return exitUsage
	}

	opts := engine.Options{
		PolicySim:       cfg.Recorder.PolicySim,
		Profile:         profile,
		Registry:        registry,
		DeclaredIntents: cfg.Recorder.DeclaredIntents,
		Anchor:          cfg.Recorder.Anchor || *publish,
		Signer:          signer,
		EmitTemplate:    *emitTemplate,
		ExportBatch:     cfg.Recorder.ExportBatchSize,
	}

	// 2. Приемники
	if *publish {
		if cfg.Redis.Addr == "" {
			fmt.Fprintln(stderr, "run: --anchor-publish needs redis.addr (--redis-addr or FLIGHTREC_REDIS_ADDR)")
			return exitUsage
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		opts.Publisher = audit.NewRedisPublisher(rdb, logger)
	}
	if *exportDB {
		repo, code := openRepo(ctx, cfg, logger, stderr)
		if code >= 0 {
			return code
		}
		defer repo.Close()
		if err := repo.EnsureSchema(ctx); err != nil {
			logger.Warn("receipt export disabled", zap.Error(err))
		} else {
			opts.Store = repo
		}
	}

	// 3. Прогон
	reg := prometheus.NewRegistry()
	rec := engine.NewRecorder(opts, engine.NewMetrics(reg), logger)
	res, err := rec.Run(ctx, *input, *out, *overwrite)
	if err != nil {
		logger.Error("run failed", zap.Error(err))
		if errors.Is(err, engine.ErrOutputNotEmpty) {
			return exitUsage
		}
		return exitBroken
	}

	if *metricsFile != "" {
		if err := prometheus.WriteToTextfile(*metricsFile, reg); err != nil {
			logger.Warn("metrics textfile not written", zap.Error(err))
		}
	}

	fmt.Fprintf(stdout, "status: %s\ntip: %s\nreceipts: %d\nout: %s\n",
		res.Badge.Status, res.Badge.Tip, len(res.Receipts), *out)
	if sim := res.Badge.PolicySimulation; sim != nil {
		fmt.Fprintf(stdout, "policy: %s would_block=%t violations=%d\n", sim.Profile, sim.WouldBlock, sim.ViolationCount)
	}
	return exitOK
}

func openRepo(ctx context.Context, cfg *infra.Config, logger *zap.Logger, stderr io.Writer) (*postgres.ReceiptRepo, int) {
	if cfg.Database.URL == "" {
		fmt.Fprintln(stderr, "database.url is required (--db-url or FLIGHTREC_DATABASE_URL)")
		return nil, exitUsage
	}
	repo, err := postgres.NewReceiptRepo(cfg.Database.URL)
	if err != nil {
		logger.Error("database unavailable", zap.Error(err))
		return nil, exitUsage
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := repo.Ping(pingCtx); err != nil {
		_ = repo.Close()
		logger.Error("database unreachable", zap.Error(err))
		return nil, exitUsage
	}
	return repo, -1
}

func verifyCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("verify", stderr)
	receiptsPath := fs.String("receipts", "", "receipts.jsonl to verify")
	fromDB := fs.String("from-db", "", "verify the chain stored in PostgreSQL for this run id")
	fs.String("db-url", "", "PostgreSQL URL for --from-db")

	cfg, logger, code := setup(fs, args, stderr)
	if code >= 0 {
		return code
	}
	defer func() { _ = logger.Sync() }()

	if (*receiptsPath == "") == (*fromDB == "") {
		fmt.Fprintln(stderr, "verify: exactly one of --receipts or --from-db is required")
		return exitUsage
	}

	var rep audit.Report
	if *receiptsPath != "" {
		f, err := os.Open(*receiptsPath)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitUsage
		}
		defer f.Close()
		rep, err = audit.VerifyStream(f)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitUsage
		}
	} else {
		repo, code := openRepo(ctx, cfg, logger, stderr)
		if code >= 0 {
			return code
		}
		defer repo.Close()
		receipts, err := repo.FetchChain(ctx, *fromDB)
		if err != nil {
			logger.Error("fetch chain failed", zap.Error(err))
			return exitUsage
		}
		rep = audit.Verify(receipts)
	}

	if err := writeDoc(stdout, rep); err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	if !rep.OK {
		return exitBroken
	}
	return exitOK
}

func verifyAnchorCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("verify-anchor", stderr)
	anchorPath := fs.String("anchor-file", "", "anchor.json to verify")
	receiptsPath := fs.String("receipts", "", "receipts.jsonl to match against the anchor")

	cfg, logger, code := setup(fs, args, stderr)
	if code >= 0 {
		return code
	}
	defer func() { _ = logger.Sync() }()

	if *anchorPath == "" {
		fmt.Fprintln(stderr, "verify-anchor: --anchor-file is required")
		return exitUsage
	}
	a, err := readAnchor(*anchorPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	// 1. MAC, если есть секрет
	if signer, err := newSigner(cfg); err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	} else if signer != nil {
		if err := audit.VerifyAnchor(a, signer); err != nil {
			fmt.Fprintf(stdout, "anchor: %v\n", err)
			return exitBroken
		}
		fmt.Fprintln(stdout, "mac: ok")
	} else if a.MAC != "" {
		logger.Warn("anchor has a MAC but " + infra.EnvAnchorSecret + " is not set; MAC not checked")
	}

	// 2. Вершина против квитанций
	if *receiptsPath != "" {
		f, err := os.Open(*receiptsPath)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitUsage
		}
		defer f.Close()
		receipts, err := audit.ReadJSONL(f)
		if err != nil {
			fmt.Fprintf(stdout, "receipts: %v\n", err)
			return exitBroken
		}
		if rep := audit.Verify(receipts); !rep.OK {
			fmt.Fprintf(stdout, "receipts: chain broken at index %d\n", rep.FirstBreak)
			return exitBroken
		}
		if err := audit.MatchReceipts(a, receipts); err != nil {
			fmt.Fprintf(stdout, "anchor: %v\n", err)
			return exitBroken
		}
		fmt.Fprintln(stdout, "tip: ok")
	}
	return exitOK
}

func readAnchor(path string) (audit.Anchor, error) {
	f, err := os.Open(path)
	if err != nil {
		return audit.Anchor{}, err
	}
	defer f.Close()
	return audit.DecodeAnchor(f)
}

func profilesCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("profiles", stderr)
	fs.String("policy", "", "profile document (YAML or JSON)")
	fs.String("profile", "", "print the resolved template of this profile")

	cfg, logger, code := setup(fs, args, stderr)
	if code >= 0 {
		return code
	}
	defer func() { _ = logger.Sync() }()

	if !fs.Changed("profile") {
		for _, name := range policy.BuiltinProfiles() {
			fmt.Fprintln(stdout, name)
		}
		if cfg.Recorder.PolicyFile != "" {
			doc, err := policy.LoadDocument(cfg.Recorder.PolicyFile)
			if err != nil {
				fmt.Fprintln(stderr, err)
				return exitUsage
			}
			for _, name := range doc.ProfileNames() {
				fmt.Fprintln(stdout, name)
			}
		}
		return exitOK
	}

	profile, _, err := loadProfile(context.Background(), cfg.Recorder.PolicyFile, cfg.Recorder.Profile)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	if err := writeDoc(stdout, profile.Template()); err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	return exitOK
}

func writeDoc(w io.Writer, v interface{}) error {
	b, err := report.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
