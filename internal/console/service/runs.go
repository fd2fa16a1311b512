package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/audit"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/engine"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/flightlog"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/policy"
)

// ErrBadRequest — ошибка во входных параметрах запроса (профиль, правило).
var ErrBadRequest = errors.New("bad request")

// RunRequest — параметры одного прогона через API.
type RunRequest struct {
	Profile   string
	PolicySim bool
	Anchor    bool
}

// RunService собирает Recorder под профиль и прогоняет тело запроса.
// Рекордеры кэшируются по параметрам, чтобы Rego компилировался один раз,
// а предохранители приемников были общими.
type RunService struct {
	doc     *policy.Document
	base    engine.Options
	metrics *engine.Metrics
	logger  *zap.Logger

	mu        sync.Mutex
	recorders map[RunRequest]*engine.Recorder
}

// NewRunService. base задает приемники и подпись; профиль и флаги приходят в запросе.
func NewRunService(doc *policy.Document, base engine.Options, metrics *engine.Metrics, logger *zap.Logger) *RunService {
	return &RunService{
		doc:       doc,
		base:      base,
		metrics:   metrics,
		logger:    logger.Named("run-service"),
		recorders: make(map[RunRequest]*engine.Recorder),
	}
}

// Record прогоняет журнал из body. Файлы не пишутся: результат уходит в ответ,
// анкер и цепочка — в настроенные приемники.
func (s *RunService) Record(ctx context.Context, body io.Reader, req RunRequest) (*engine.Result, error) {
	rec, err := s.recorder(ctx, req)
	if err != nil {
		return nil, err
	}
	res, err := rec.Process(ctx, flightlog.NewReader(body))
	if err != nil {
		return nil, err
	}
	rec.Deliver(ctx, res)
	return res, nil
}

func (s *RunService) recorder(ctx context.Context, req RunRequest) (*engine.Recorder, error) {
	req.Profile = strings.ToLower(strings.TrimSpace(req.Profile))
	if req.Profile == "" {
		req.Profile = policy.ProfileDefault
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.recorders[req]; ok {
		return rec, nil
	}

	// 1. Профиль и реестр
	profile, err := policy.Resolve(s.doc, req.Profile)
	if err != nil {
		if errors.Is(err, policy.ErrUnknownProfile) || errors.Is(err, policy.ErrUnknownRule) {
			return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
		}
		return nil, err
	}
	registry, err := policy.RegistryFor(ctx, profile)
	if err != nil {
		return nil, err
	}

	// 2. Рекордер
	opts := s.base
	opts.Profile = profile
	opts.Registry = registry
	opts.PolicySim = req.PolicySim
	opts.Anchor = req.Anchor
	rec := engine.NewRecorder(opts, s.metrics, s.logger)
	s.recorders[req] = rec
	return rec, nil
}

// Profiles — встроенные профили и профили документа, по алфавиту.
func (s *RunService) Profiles() []string {
	out := policy.BuiltinProfiles()
	if s.doc != nil {
		out = append(out, s.doc.ProfileNames()...)
	}
	sort.Strings(out)
	return out
}

// ChainSource — откуда берется сохраненная цепочка прогона.
type ChainSource interface {
	FetchChain(ctx context.Context, runID string) ([]audit.Receipt, error)
}

// AnchorSource — откуда берется опубликованный анкер прогона.
type AnchorSource interface {
	FetchAnchor(ctx context.Context, runID string) (audit.Anchor, error)
}

// VerifyResult — отчет проверки плюс сверка с анкером, если он был.
type VerifyResult struct {
	Report      audit.Report `json:"report"`
	AnchorMatch *bool        `json:"anchor_match,omitempty"`
	AnchorError string       `json:"anchor_error,omitempty"`
}

var ErrNotConfigured = errors.New("storage is not configured")

// VerifyService проверяет цепочки: присланные в запросе или сохраненные.
type VerifyService struct {
	chains  ChainSource
	anchors AnchorSource
	signer  audit.Signer
	logger  *zap.Logger
}

// NewVerifyService. Любой из источников и signer могут быть nil.
func NewVerifyService(chains ChainSource, anchors AnchorSource, signer audit.Signer, logger *zap.Logger) *VerifyService {
	return &VerifyService{chains: chains, anchors: anchors, signer: signer, logger: logger.Named("verify-service")}
}

// Verify проверяет receipts.jsonl из тела запроса.
func (s *VerifyService) Verify(_ context.Context, body io.Reader) (audit.Report, error) {
	return audit.VerifyStream(body)
}

// VerifyRun проверяет сохраненную цепочку и, если есть, сверяет ее с анкером.
func (s *VerifyService) VerifyRun(ctx context.Context, runID string) (VerifyResult, error) {
	if s.chains == nil {
		return VerifyResult{}, ErrNotConfigured
	}
	receipts, err := s.chains.FetchChain(ctx, runID)
	if err != nil {
		return VerifyResult{}, err
	}
	res := VerifyResult{Report: audit.Verify(receipts)}
	if s.anchors == nil {
		return res, nil
	}

	a, err := s.anchors.FetchAnchor(ctx, runID)
	if err != nil {
		s.logger.Warn("anchor unavailable", zap.String("run_id", runID), zap.Error(err))
		res.AnchorError = err.Error()
		return res, nil
	}
	err = audit.MatchReceipts(a, receipts)
	if err == nil && s.signer != nil && a.MAC != "" {
		err = audit.VerifyAnchor(a, s.signer)
	}
	match := err == nil
	res.AnchorMatch = &match
	if err != nil {
		res.AnchorError = err.Error()
	}
	return res, nil
}
