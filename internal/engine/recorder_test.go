package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/audit"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/digest"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/domain"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/flightlog"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/policy"
)

func newTestRecorder(t *testing.T, opts Options) (*Recorder, *Metrics) {
	t.Helper()
	m := NewMetrics(prometheus.NewRegistry())
	return NewRecorder(opts, m, zap.NewNop()), m
}

func processFile(t *testing.T, rec *Recorder, name string) *Result {
	t.Helper()
	f, err := os.Open(filepath.Join("testdata", name))
	require.NoError(t, err)
	defer f.Close()
	res, err := rec.Process(context.Background(), flightlog.NewReader(f))
	require.NoError(t, err)
	return res
}

func TestCleanRunIsObserved(t *testing.T) {
	rec, m := newTestRecorder(t, Options{PolicySim: true})
	res := processFile(t, rec, "clean_run.jsonl")

	assert.Equal(t, domain.StatusObserved, res.Badge.Status)
	assert.Empty(t, res.Badge.Highlights)
	assert.Equal(t, 5, res.Badge.Stats.TotalLines)
	assert.Equal(t, 5, res.Badge.Stats.ValidEvents)
	require.NotNil(t, res.Badge.PolicySimulation)
	assert.False(t, res.Badge.PolicySimulation.WouldBlock)
	assert.Equal(t, 0, res.Badge.PolicySimulation.ViolationCount)

	assert.Equal(t, float64(5), testutil.ToFloat64(m.RecordsTotal.WithLabelValues("valid")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RunsTotal.WithLabelValues(string(domain.StatusObserved))))
}

func TestRiskyRunWouldBlock(t *testing.T) {
	rec, m := newTestRecorder(t, Options{PolicySim: true})
	res := processFile(t, rec, "risky_run.jsonl")

	assert.Equal(t, domain.StatusAttention, res.Badge.Status)
	sim := res.Badge.PolicySimulation
	require.NotNil(t, sim)
	assert.True(t, sim.WouldBlock)
	require.GreaterOrEqual(t, sim.ViolationCount, 3)

	rules := make([]string, 0, len(sim.Violations))
	for _, v := range sim.Violations {
		rules = append(rules, v.Rule)
		for _, ref := range v.Refs {
			assert.Equal(t, res.Receipts[ref.Line-1].EventHash, ref.EventHash)
		}
	}
	assert.Contains(t, rules, policy.RuleUnpinnedDependency)
	assert.Contains(t, rules, policy.RuleUndeclaredExecution)
	assert.Contains(t, rules, policy.RuleSensitivePathMutation)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ViolationsTotal.WithLabelValues(policy.RuleUnpinnedDependency)))

	// секрет из командной строки не попадает в отчет
	out, err := res.Files()
	require.NoError(t, err)
	assert.NotContains(t, string(out[BadgeFile]), "s3cr3t")
}

func TestDisablingRuleRemovesOnlyItsViolations(t *testing.T) {
	doc := &policy.Document{Overrides: map[string]bool{policy.RuleUndeclaredExecution: false}}
	p, err := policy.Resolve(doc, policy.ProfileDefault)
	require.NoError(t, err)

	full, _ := newTestRecorder(t, Options{PolicySim: true})
	trimmed, _ := newTestRecorder(t, Options{PolicySim: true, Profile: p})
	a := processFile(t, full, "risky_run.jsonl").Badge.PolicySimulation
	b := processFile(t, trimmed, "risky_run.jsonl").Badge.PolicySimulation

	var want []domain.Violation
	for _, v := range a.Violations {
		if v.Rule != policy.RuleUndeclaredExecution {
			want = append(want, v)
		}
	}
	assert.Equal(t, want, b.Violations)
}

func TestProcessIsDeterministic(t *testing.T) {
	opts := Options{PolicySim: true, Anchor: true, EmitTemplate: true}
	r1, _ := newTestRecorder(t, opts)
	r2, _ := newTestRecorder(t, opts)
	a := processFile(t, r1, "risky_run.jsonl")
	b := processFile(t, r2, "risky_run.jsonl")

	assert.NotEqual(t, a.RunID, b.RunID)
	fa, err := a.Files()
	require.NoError(t, err)
	fb, err := b.Files()
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
	assert.Len(t, fa, 4)
	assert.NotContains(t, string(fa[BadgeFile]), a.RunID)
}

func TestEveryLineGetsReceipt(t *testing.T) {
	clean, err := os.ReadFile(filepath.Join("testdata", "clean_run.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(clean), "\n"), "\n")
	input := strings.Join([]string{lines[0], "{not json", "", `{"event_type":"FILE_IO"}`, lines[1]}, "\n")

	rec, _ := newTestRecorder(t, Options{})
	res, err := rec.Process(context.Background(), flightlog.NewReader(strings.NewReader(input)))
	require.NoError(t, err)

	st := res.Badge.Stats
	assert.Equal(t, 5, st.TotalLines)
	assert.Equal(t, st.TotalLines, st.Accounted())
	assert.Equal(t, 2, st.MalformedLines)
	assert.Equal(t, 1, st.EvidenceGaps)
	assert.Len(t, res.Receipts, 5)
	assert.Equal(t, domain.StatusAttentionWithGaps, res.Badge.Status)
	assert.Nil(t, res.Badge.PolicySimulation)

	report := audit.Verify(res.Receipts)
	assert.True(t, report.OK)
	assert.Equal(t, digest.Zero, res.Receipts[0].PrevHash)
	assert.Equal(t, res.Badge.Tip, report.Tip)
}

func TestEmptyInput(t *testing.T) {
	rec, _ := newTestRecorder(t, Options{Anchor: true})
	res, err := rec.Process(context.Background(), flightlog.NewReader(strings.NewReader("")))
	require.NoError(t, err)
	assert.Empty(t, res.Receipts)
	assert.Equal(t, digest.Zero, res.Badge.Tip)
	assert.Equal(t, domain.StatusObserved, res.Badge.Status)
	require.NotNil(t, res.Anchor)
	assert.Equal(t, 0, res.Anchor.ReceiptCount)
}

func TestAnchorSigned(t *testing.T) {
	signer, err := audit.NewHMACSigner([]byte("operator-secret"))
	require.NoError(t, err)
	rec, _ := newTestRecorder(t, Options{Anchor: true, Signer: signer})
	res := processFile(t, rec, "clean_run.jsonl")

	require.NotNil(t, res.Anchor)
	assert.NotEmpty(t, res.Anchor.MAC)
	require.NoError(t, audit.VerifyAnchor(*res.Anchor, signer))
	require.NoError(t, audit.MatchReceipts(*res.Anchor, res.Receipts))
}

func TestProcessCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec, _ := newTestRecorder(t, Options{})
	_, err := rec.Process(ctx, flightlog.NewReader(strings.NewReader("{}\n")))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegoEnabledWithoutRegistryFails(t *testing.T) {
	p, err := policy.Resolve(&policy.Document{RegoModules: []string{"custom.rego"}}, "")
	require.NoError(t, err)

	rec, _ := newTestRecorder(t, Options{PolicySim: true, Profile: p})
	_, err = rec.Process(context.Background(), flightlog.NewReader(failingReader{}))
	require.ErrorIs(t, err, policy.ErrRuleNotRegistered)

	// без симуляции политики реестр не нужен
	rec, _ = newTestRecorder(t, Options{Profile: p})
	_, err = rec.Process(context.Background(), flightlog.NewReader(strings.NewReader("")))
	assert.NoError(t, err)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestReadFailureIsFatal(t *testing.T) {
	rec, _ := newTestRecorder(t, Options{})
	_, err := rec.Process(context.Background(), flightlog.NewReader(failingReader{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")
}

func TestRunWritesOutputs(t *testing.T) {
	out := filepath.Join(t.TempDir(), "run")
	rec, _ := newTestRecorder(t, Options{PolicySim: true, Anchor: true})
	res, err := rec.Run(context.Background(), filepath.Join("testdata", "risky_run.jsonl"), out, false)
	require.NoError(t, err)

	f, err := os.Open(filepath.Join(out, ReceiptsFile))
	require.NoError(t, err)
	defer f.Close()
	report, err := audit.VerifyStream(f)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, res.Badge.Tip, report.Tip)
	assert.FileExists(t, filepath.Join(out, BadgeFile))
	assert.FileExists(t, filepath.Join(out, AnchorFile))
	assert.NoFileExists(t, filepath.Join(out, PolicyTemplateFile))
}

func TestRunRefusesNonEmptyOutput(t *testing.T) {
	out := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(out, "keep.txt"), []byte("x"), 0o644))

	rec, _ := newTestRecorder(t, Options{})
	_, err := rec.Run(context.Background(), filepath.Join("testdata", "clean_run.jsonl"), out, false)
	require.ErrorIs(t, err, ErrOutputNotEmpty)
	assert.FileExists(t, filepath.Join(out, "keep.txt"))
	assert.NoFileExists(t, filepath.Join(out, BadgeFile))
}

func TestRunMissingInputWritesNothing(t *testing.T) {
	out := filepath.Join(t.TempDir(), "run")
	rec, _ := newTestRecorder(t, Options{})
	_, err := rec.Run(context.Background(), filepath.Join("testdata", "absent.jsonl"), out, false)
	require.Error(t, err)
	assert.NoDirExists(t, out)
}

type recordingSinks struct {
	mu         sync.Mutex
	anchors    []audit.Anchor
	receipts   []audit.Receipt
	runs       []audit.RunSummary
	publishErr error
}

func (s *recordingSinks) SaveRun(_ context.Context, run audit.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

func (s *recordingSinks) Publish(_ context.Context, _ string, a audit.Anchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishErr != nil {
		return s.publishErr
	}
	s.anchors = append(s.anchors, a)
	return nil
}

func (s *recordingSinks) WriteBatch(_ context.Context, _ string, _ int, receipts []audit.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, receipts...)
	return nil
}

func TestRunDeliversToSinks(t *testing.T) {
	sinks := &recordingSinks{}
	rec, _ := newTestRecorder(t, Options{Anchor: true, Publisher: sinks, Store: sinks})
	res, err := rec.Run(context.Background(), filepath.Join("testdata", "clean_run.jsonl"),
		filepath.Join(t.TempDir(), "run"), false)
	require.NoError(t, err)

	require.Len(t, sinks.anchors, 1)
	assert.Equal(t, res.Badge.Tip, sinks.anchors[0].Tip)
	assert.Equal(t, res.Receipts, sinks.receipts)
	require.Len(t, sinks.runs, 1)
	assert.Equal(t, res.RunID, sinks.runs[0].RunID)
	assert.Equal(t, len(res.Receipts), sinks.runs[0].ReceiptCount)
	assert.Equal(t, string(domain.StatusObserved), sinks.runs[0].Status)
}

func TestSinkFailureKeepsOutputs(t *testing.T) {
	sinks := &recordingSinks{publishErr: errors.New("redis down")}
	out := filepath.Join(t.TempDir(), "run")
	rec, m := newTestRecorder(t, Options{Anchor: true, Publisher: sinks})
	_, err := rec.Run(context.Background(), filepath.Join("testdata", "clean_run.jsonl"), out, false)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(out, AnchorFile))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SinkErrors.WithLabelValues("redis")))
}
