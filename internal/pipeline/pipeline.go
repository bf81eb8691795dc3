package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"tradevane/internal/analysis"
	"tradevane/internal/logger"
	"tradevane/internal/realtime"
	"tradevane/internal/store"
)

// ErrUnsupportedInstrument rejects instruments outside the allow-list.
var ErrUnsupportedInstrument = errors.New("pipeline: unsupported instrument")

// StageOutput is one stage's contribution to a finished run.
type StageOutput struct {
	Payload json.RawMessage `json:"payload"`
	Source  string          `json:"source"`
}

// AnalysisRun is the caller-facing result of the daily bias pipeline.
type AnalysisRun struct {
	UserID     string                 `json:"user_id"`
	Instrument string                 `json:"instrument"`
	BiasDate   string                 `json:"bias_date"`
	Bias       string                 `json:"bias"`
	Confidence float64                `json:"confidence"`
	Stages     map[string]StageOutput `json:"stages"`
	// FromStore marks a run short-circuited from an earlier persisted result.
	FromStore bool      `json:"from_store"`
	CreatedAt time.Time `json:"created_at"`
}

// Pipeline drives the six analysis stages in order, persists the finished
// run, and announces it to stream subscribers.
type Pipeline struct {
	Services *analysis.Services
	Store    store.Store
	Realtime *realtime.Broker

	instruments map[string]struct{}
	nowFn       func() time.Time
}

func New(services *analysis.Services, st store.Store, rt *realtime.Broker, instruments []string) *Pipeline {
	allow := make(map[string]struct{}, len(instruments))
	for _, ins := range instruments {
		allow[strings.ToUpper(strings.TrimSpace(ins))] = struct{}{}
	}
	return &Pipeline{
		Services:    services,
		Store:       st,
		Realtime:    rt,
		instruments: allow,
		nowFn:       time.Now,
	}
}

func (p *Pipeline) SupportedInstruments() []string {
	out := make([]string, 0, len(p.instruments))
	for ins := range p.instruments {
		out = append(out, ins)
	}
	return out
}

// RunDailyBias executes the full pipeline for (user, instrument, date).
// An existing persisted run short-circuits unless force is set; the stage
// caches underneath make even a forced re-run cheap when inputs are unchanged.
func (p *Pipeline) RunDailyBias(ctx context.Context, userID, instrument, date string, force bool) (AnalysisRun, error) {
	instrument = strings.ToUpper(strings.TrimSpace(instrument))
	if _, ok := p.instruments[instrument]; !ok {
		return AnalysisRun{}, fmt.Errorf("%w: %s", ErrUnsupportedInstrument, instrument)
	}
	if date == "" {
		date = p.nowFn().UTC().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return AnalysisRun{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", date)
	}

	if !force {
		if rec, found, err := p.Store.GetAnalysisRun(ctx, userID, instrument, date); err != nil {
			logger.Warnf("pipeline: run lookup failed, recomputing: %v", err)
		} else if found {
			run := recordToRun(rec)
			run.FromStore = true
			return run, nil
		}
	}

	start := p.nowFn()
	logger.Infof("pipeline: starting daily bias instrument=%s date=%s user=%s", instrument, date, userID)

	security, err := p.Services.Security.Analyze(ctx, userID, instrument, date)
	if err != nil {
		return AnalysisRun{}, err
	}
	macro, err := p.Services.Macro.Analyze(ctx, userID, instrument, date)
	if err != nil {
		return AnalysisRun{}, err
	}
	flux, err := p.Services.Flux.Analyze(ctx, userID, instrument, date)
	if err != nil {
		return AnalysisRun{}, err
	}
	mag7, err := p.Services.Mag7.Analyze(ctx, userID, instrument, date)
	if err != nil {
		return AnalysisRun{}, err
	}
	technical, err := p.Services.Technical.Analyze(ctx, userID, instrument, date)
	if err != nil {
		return AnalysisRun{}, err
	}

	synthesis, err := p.Services.Synthesis.Analyze(ctx, userID, instrument, date, analysis.SynthesisInputs{
		Security:  security,
		Macro:     macro,
		Flux:      flux,
		Mag7:      mag7,
		Technical: technical,
	})
	if err != nil {
		return AnalysisRun{}, err
	}

	run := AnalysisRun{
		UserID:     userID,
		Instrument: instrument,
		BiasDate:   date,
		Bias:       gjson.GetBytes(synthesis.Payload, "bias").String(),
		Confidence: gjson.GetBytes(synthesis.Payload, "confidence").Float(),
		Stages:     stageMap(security, macro, flux, mag7, technical, synthesis),
		CreatedAt:  p.nowFn(),
	}

	if rec, err := p.Store.UpsertAnalysisRun(ctx, runToRecord(run)); err != nil {
		logger.Errorf("pipeline: persist run failed: %v", err)
	} else {
		run.CreatedAt = rec.CreatedAt
	}

	if p.Realtime != nil {
		p.Realtime.Publish(instrument, "analysis_completed", run)
	}
	logger.Infof("pipeline: daily bias done instrument=%s date=%s bias=%s confidence=%.0f took=%s",
		instrument, date, run.Bias, run.Confidence, p.nowFn().Sub(start).Round(time.Millisecond))
	return run, nil
}

// History returns recent persisted runs for the instrument, newest first.
func (p *Pipeline) History(ctx context.Context, instrument string, limit int) ([]AnalysisRun, error) {
	instrument = strings.ToUpper(strings.TrimSpace(instrument))
	if _, ok := p.instruments[instrument]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedInstrument, instrument)
	}
	recs, err := p.Store.ListAnalysisRuns(ctx, instrument, limit)
	if err != nil {
		return nil, err
	}
	out := make([]AnalysisRun, 0, len(recs))
	for _, rec := range recs {
		run := recordToRun(rec)
		run.FromStore = true
		out = append(out, run)
	}
	return out, nil
}

// HasNewerRun is the cheap poll path for clients that cannot hold a stream
// open: has any run for the instrument landed after since?
func (p *Pipeline) HasNewerRun(ctx context.Context, instrument string, since time.Time) (bool, error) {
	instrument = strings.ToUpper(strings.TrimSpace(instrument))
	if _, ok := p.instruments[instrument]; !ok {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedInstrument, instrument)
	}
	return p.Store.HasNewerAnalysisRun(ctx, instrument, since)
}

func stageMap(results ...analysis.StageResult) map[string]StageOutput {
	out := make(map[string]StageOutput, len(results))
	for _, r := range results {
		out[string(r.Stage)] = StageOutput{Payload: r.Payload, Source: string(r.Source)}
	}
	return out
}

func runToRecord(run AnalysisRun) store.AnalysisRunRecord {
	payloads := make(map[string]json.RawMessage, len(run.Stages))
	sources := make(map[string]string, len(run.Stages))
	for name, st := range run.Stages {
		payloads[name] = st.Payload
		sources[name] = st.Source
	}
	return store.AnalysisRunRecord{
		UserID:        run.UserID,
		Instrument:    run.Instrument,
		BiasDate:      run.BiasDate,
		StagePayloads: payloads,
		StageSources:  sources,
		Bias:          run.Bias,
		Confidence:    run.Confidence,
		CreatedAt:     run.CreatedAt,
	}
}

func recordToRun(rec store.AnalysisRunRecord) AnalysisRun {
	stages := make(map[string]StageOutput, len(rec.StagePayloads))
	for name, payload := range rec.StagePayloads {
		stages[name] = StageOutput{Payload: payload, Source: rec.StageSources[name]}
	}
	return AnalysisRun{
		UserID:     rec.UserID,
		Instrument: rec.Instrument,
		BiasDate:   rec.BiasDate,
		Bias:       rec.Bias,
		Confidence: rec.Confidence,
		Stages:     stages,
		CreatedAt:  rec.CreatedAt,
	}
}
