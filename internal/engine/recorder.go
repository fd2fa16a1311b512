package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/audit"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/behavior"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/domain"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/flightlog"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/policy"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/report"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/risk"
)

// ctxCheckEvery — как часто свертка проверяет отмену контекста.
const ctxCheckEvery = 1024

// Options прогона. Нулевое значение: без симуляции политики, профиль default.
type Options struct {
	PolicySim       bool
	Profile         policy.Profile
	Registry        *policy.Registry // nil — policy.DefaultRegistry()
	DeclaredIntents []string

	// Anchor — писать anchor.json; Signer добавляет MAC.
	Anchor bool
	Signer audit.Signer

	// EmitTemplate — писать policy_template.json с разрешенным профилем.
	EmitTemplate bool

	// Внешние приемники, опционально.
	Publisher   audit.AnchorPublisher
	Store       audit.ReceiptStore
	ExportBatch int
}

// Result — артефакты одного прогона, собранные в памяти.
type Result struct {
	RunID    string
	Badge    report.Badge
	Receipts []audit.Receipt
	Anchor   *audit.Anchor
	Template *policy.Template
}

// Files — содержимое каталога прогона по именам файлов.
func (r *Result) Files() (map[string][]byte, error) {
	files := make(map[string][]byte, 4)

	badge, err := report.Marshal(r.Badge)
	if err != nil {
		return nil, err
	}
	files[BadgeFile] = badge

	receipts, err := audit.MarshalJSONL(r.Receipts)
	if err != nil {
		return nil, err
	}
	files[ReceiptsFile] = receipts

	if r.Anchor != nil {
		b, err := report.Marshal(r.Anchor)
		if err != nil {
			return nil, err
		}
		files[AnchorFile] = b
	}
	if r.Template != nil {
		b, err := report.Marshal(r.Template)
		if err != nil {
			return nil, err
		}
		files[PolicyTemplateFile] = b
	}
	return files, nil
}

// Recorder проводит журнал через цепочку и агрегатор за один проход.
// Состояние прогона живет внутри Process, сам Recorder переиспользуем.
type Recorder struct {
	opts    Options
	metrics *Metrics
	logger  *zap.Logger

	publishGuard *ReliabilityWrapper
	exportGuard  *ReliabilityWrapper
}

func NewRecorder(opts Options, metrics *Metrics, logger *zap.Logger) *Recorder {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if opts.Registry == nil {
		opts.Registry = policy.DefaultRegistry()
	}
	if opts.Profile.Name() == "" {
		// встроенный профиль без документа разрешается всегда
		opts.Profile, _ = policy.Resolve(nil, policy.ProfileDefault)
	}
	logger = logger.Named("recorder")
	return &Recorder{
		opts:         opts,
		metrics:      metrics,
		logger:       logger,
		publishGuard: NewReliabilityWrapper("redis", metrics, logger),
		exportGuard:  NewReliabilityWrapper("postgres", metrics, logger),
	}
}

// Process сворачивает журнал в артефакты. Ошибка чтения источника фатальна,
// ошибки отдельных строк становятся фактами. Закрытие rd остается на вызывающей стороне.
func (r *Recorder) Process(ctx context.Context, rd *flightlog.Reader) (*Result, error) {
	runID := uuid.NewString()
	log := r.logger.With(zap.String("run_id", runID))
	started := time.Now()

	if r.opts.PolicySim {
		// включенное правило без реализации — ошибка конфигурации, до чтения журнала
		if err := r.opts.Registry.Covers(r.opts.Profile); err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}

	analyzer := risk.NewAnalyzer(r.opts.Profile.Thresholds(), r.opts.DeclaredIntents, log)
	agg := behavior.NewAggregator(analyzer)
	chain := audit.NewChain()

	// 1. Свертка: каждая запись идет и в цепочку, и в агрегатор
	for {
		if chain.Len()%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("engine: run canceled at line %d: %w", rd.Lines(), err)
			}
		}
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.metrics.RunsTotal.WithLabelValues("failed").Inc()
			return nil, fmt.Errorf("engine: read flight log at line %d: %w", rd.Lines()+1, err)
		}

		receipt := chain.Append(rec)
		for _, sig := range agg.Observe(rec, receipt.EventHash) {
			r.metrics.HighlightsTotal.WithLabelValues(string(sig.Tag)).Inc()
		}
		r.metrics.RecordsTotal.WithLabelValues(rec.Kind.String()).Inc()
	}

	facts := agg.Facts()
	res := &Result{RunID: runID, Receipts: chain.Receipts()}

	// 2. Симуляция политики
	var sim *domain.PolicySimulation
	if r.opts.PolicySim {
		s, err := policy.NewEvaluator(r.opts.Registry, r.opts.Profile, log).Evaluate(ctx, facts)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		for _, v := range s.Violations {
			r.metrics.ViolationsTotal.WithLabelValues(v.Rule).Inc()
		}
		sim = &s
	}
	if r.opts.EmitTemplate {
		tpl := r.opts.Profile.Template()
		res.Template = &tpl
	}

	// 3. Отчет и анкер
	res.Badge = report.NewBadge(facts, chain.Tip(), sim)
	if r.opts.Anchor {
		a, err := audit.NewAnchor(chain.Tip(), chain.Len(), r.opts.Signer)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		res.Anchor = &a
	}

	status := string(res.Badge.Status)
	r.metrics.RunsTotal.WithLabelValues(status).Inc()
	r.metrics.RunDuration.WithLabelValues(status).Observe(time.Since(started).Seconds())

	log.Info("run processed",
		zap.Int("lines", facts.Stats.TotalLines),
		zap.Int("gaps", facts.Stats.EvidenceGaps),
		zap.Int("malformed", facts.Stats.MalformedLines),
		zap.String("status", status),
		zap.String("tip", chain.Tip()),
	)
	return res, nil
}

// Run — полный прогон по файлу: проверка каталога, свертка, атомарная запись,
// затем внешние приемники. Сбой приемника не откатывает записанные файлы.
func (r *Recorder) Run(ctx context.Context, inputPath, outDir string, overwrite bool) (*Result, error) {
	// 1. Коллизия каталога проверяется до чтения
	if err := CheckOutput(outDir, overwrite); err != nil {
		return nil, err
	}

	// 2. Источник
	rd, err := flightlog.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	defer rd.Close()

	res, err := r.Process(ctx, rd)
	if err != nil {
		return nil, err
	}

	// 3. Запись
	files, err := res.Files()
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if err := Commit(outDir, files, overwrite, r.logger); err != nil {
		return nil, err
	}
	r.logger.Info("outputs committed", zap.String("run_id", res.RunID), zap.String("out", outDir))

	// 4. Приемники
	r.Deliver(ctx, res)
	return res, nil
}

// Deliver отправляет анкер и цепочку во внешние приемники. Ошибки только
// логируются: каталог прогона уже записан.
func (r *Recorder) Deliver(ctx context.Context, res *Result) {
	log := r.logger.With(zap.String("run_id", res.RunID))

	if r.opts.Publisher != nil && res.Anchor != nil {
		err := r.publishGuard.Do(ctx, func(ctx context.Context) error {
			return r.opts.Publisher.Publish(ctx, res.RunID, *res.Anchor)
		})
		if err != nil {
			log.Warn("anchor publication failed", zap.Error(err))
		}
	}

	if r.opts.Store != nil {
		err := r.exportGuard.Do(ctx, func(ctx context.Context) error {
			if err := audit.Export(ctx, r.opts.Store, res.RunID, res.Receipts, r.opts.ExportBatch, log); err != nil {
				return err
			}
			// Итог прогона пишется только после полной цепочки
			if catalog, ok := r.opts.Store.(audit.RunCatalog); ok {
				return catalog.SaveRun(ctx, audit.RunSummary{
					RunID:        res.RunID,
					Status:       string(res.Badge.Status),
					ReceiptCount: len(res.Receipts),
					Tip:          res.Badge.Tip,
					CreatedAt:    time.Now().UTC(),
				})
			}
			return nil
		})
		if err != nil {
			log.Warn("receipt export failed", zap.Error(err))
		}
	}
}
