package core

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/sitepub/internal/telemetry"
	"github.com/3cpo-dev/sitepub/pkg/api"
)

// ArtifactPublisher registers a build directory as a named deliverable.
type ArtifactPublisher interface {
	PublishArtifact(ctx context.Context, name, buildPath string) (*api.ArtifactReceipt, error)
}

// Ledger records runs. Failures to record never abort a run.
type Ledger interface {
	BeginRun(ctx context.Context, runID, commit string, started time.Time) error
	RecordStep(ctx context.Context, runID string, r StepResult) error
	RecordArtifact(ctx context.Context, runID string, receipt api.ArtifactReceipt) error
	FinishRun(ctx context.Context, runID string, status api.RunStatus, failedStep, errMsg string, finished time.Time) error
}

// ArtifactSpec names the deliverable produced by the build.
type ArtifactSpec struct {
	Name      string
	BuildPath string
}

// Collaborators are the four things a publish step delegates to, in order.
type Collaborators struct {
	Publish      Step
	Dependencies Step
	Build        Step
	Artifacts    ArtifactPublisher
}

type StepResult struct {
	Seq      int
	Name     string
	Status   api.StepStatus
	Started  time.Time
	Duration time.Duration
	Err      string
}

type RunReport struct {
	RunID      string
	Status     api.RunStatus
	Steps      []StepResult
	FailedStep string
	Receipt    *api.ArtifactReceipt
}

// Orchestrator runs publish, dependency install, site build and artifact
// publication strictly in that order, stopping at the first failure.
type Orchestrator struct {
	spec   ArtifactSpec
	c      Collaborators
	ledger Ledger
	commit string
}

func NewOrchestrator(spec ArtifactSpec, c Collaborators) *Orchestrator {
	return &Orchestrator{spec: spec, c: c}
}

func (o *Orchestrator) WithLedger(l Ledger) *Orchestrator {
	o.ledger = l
	return o
}

// WithCommit tags the run with the checkout's commit.
func (o *Orchestrator) WithCommit(commit string) *Orchestrator {
	o.commit = commit
	return o
}

type runIDKey struct{}

// RunIDFrom returns the id of the run executing ctx, if any.
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

func (o *Orchestrator) Run(ctx context.Context) (*RunReport, error) {
	if o.c.Publish == nil || o.c.Dependencies == nil || o.c.Build == nil || o.c.Artifacts == nil {
		return nil, errors.New("orchestrator: all collaborators are required")
	}
	report := &RunReport{RunID: uuid.NewString(), Status: api.RunRunning}
	ctx = context.WithValue(ctx, runIDKey{}, report.RunID)
	logger := log.With().Str("run_id", report.RunID).Str("artifact", o.spec.Name).Logger()
	o.record("begin run", o.begin(ctx, report.RunID))
	logger.Info().Str("commit", o.commit).Msg("publish step started")

	for _, s := range []Step{o.c.Publish, o.c.Dependencies, o.c.Build} {
		if err := o.runStep(ctx, report, s.Name(), s.Run); err != nil {
			return report, o.fail(ctx, report, s.Name(), err)
		}
	}

	err := o.runStep(ctx, report, StepPublishArtifact, func(ctx context.Context) error {
		receipt, err := o.c.Artifacts.PublishArtifact(ctx, o.spec.Name, o.spec.BuildPath)
		if err != nil {
			return err
		}
		report.Receipt = receipt
		return nil
	})
	if err != nil {
		return report, o.fail(ctx, report, StepPublishArtifact, err)
	}
	if o.ledger != nil && report.Receipt != nil {
		o.record("record artifact", o.ledger.RecordArtifact(ctx, report.RunID, *report.Receipt))
	}

	report.Status = api.RunSucceeded
	o.record("finish run", o.finish(ctx, report, "", ""))
	telemetry.CounterGlobal("sitepub_runs_total", 1, map[string]string{"status": string(report.Status)})
	logger.Info().Msg("publish step finished")
	return report, nil
}

func (o *Orchestrator) runStep(ctx context.Context, report *RunReport, name string, fn func(context.Context) error) error {
	res := StepResult{Seq: len(report.Steps) + 1, Name: name, Started: time.Now()}
	log.Info().Str("run_id", report.RunID).Str("step", name).Int("seq", res.Seq).Msg("step started")
	err := ctx.Err()
	if err == nil {
		err = fn(ctx)
	}
	res.Duration = time.Since(res.Started)
	res.Status = api.StepSucceeded
	if err != nil {
		res.Status = api.StepFailed
		res.Err = err.Error()
	}
	report.Steps = append(report.Steps, res)
	telemetry.TimerGlobal("sitepub_step_duration_seconds", res.Duration, map[string]string{
		"step":   name,
		"status": string(res.Status),
	})
	if o.ledger != nil {
		o.record("record step", o.ledger.RecordStep(ctx, report.RunID, res))
	}
	if err != nil {
		log.Error().Err(err).Str("run_id", report.RunID).Str("step", name).Dur("duration", res.Duration).Msg("step failed")
		return err
	}
	log.Info().Str("run_id", report.RunID).Str("step", name).Dur("duration", res.Duration).Msg("step finished")
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, report *RunReport, step string, err error) error {
	report.Status = api.RunFailed
	report.FailedStep = step
	// The ledger write must land even when ctx was cancelled mid-step.
	o.record("finish run", o.finish(context.WithoutCancel(ctx), report, step, err.Error()))
	telemetry.CounterGlobal("sitepub_runs_total", 1, map[string]string{"status": string(report.Status), "failed_step": step})
	return &StepError{Step: step, Err: err}
}

func (o *Orchestrator) begin(ctx context.Context, runID string) error {
	if o.ledger == nil {
		return nil
	}
	return o.ledger.BeginRun(ctx, runID, o.commit, time.Now())
}

func (o *Orchestrator) finish(ctx context.Context, report *RunReport, step, msg string) error {
	if o.ledger == nil {
		return nil
	}
	return o.ledger.FinishRun(ctx, report.RunID, report.Status, step, msg, time.Now())
}

func (o *Orchestrator) record(what string, err error) {
	if err != nil {
		log.Warn().Err(err).Msgf("ledger: %s", what)
	}
}
