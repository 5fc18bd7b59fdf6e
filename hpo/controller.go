package hpo

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/hpo-client/hpo/retry"
)

// Protocol is the service-facing side of the trial loop. *Client implements
// it; tests substitute fakes.
type Protocol interface {
	RequestTrial(ctx context.Context, studyID string) (Trial, error)
	SubmitScore(ctx context.Context, studyID string, score float64) error
	RequestBest(ctx context.Context, studyID string) (Params, error)
}

// ErrStudyMismatch is returned when the service answers with a study id that
// contradicts the one already in use.
var ErrStudyMismatch = errors.New("study id mismatch")

// === State machine ===

// State is a Controller state.
//
//	AwaitingTrial -> Evaluating -> SubmittingScore -> AwaitingTrial | Finalizing
//	AwaitingTrial -> Finalizing (no trial available)
//	Finalizing -> Done
type State int

const (
	StateAwaitingTrial State = iota
	StateEvaluating
	StateSubmittingScore
	StateFinalizing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateAwaitingTrial:
		return "AwaitingTrial"
	case StateEvaluating:
		return "Evaluating"
	case StateSubmittingScore:
		return "SubmittingScore"
	case StateFinalizing:
		return "Finalizing"
	case StateDone:
		return "Done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StopReason records why the trial loop stopped acquiring trials.
type StopReason string

const (
	StopMaxTrials        StopReason = "max_trials_reached"
	StopStudyFinished    StopReason = "study_finished"
	StopTrialUnavailable StopReason = "trial_unavailable"
	StopScoreRejected    StopReason = "score_not_submitted"
	StopInterrupted      StopReason = "interrupted"
	StopFatal            StopReason = "fatal"
)

// LoopConfig is the caller-supplied starting point of a run.
type LoopConfig struct {
	StudyID   string // optional; empty asks the service to mint one
	MaxTrials int    // 0 means unbounded
}

// Report summarizes a finished run. It is returned even when Run fails.
type Report struct {
	StudyID         string
	TrialsCompleted int
	MaxTrials       int
	StopReason      StopReason

	HasObserved  bool
	BestObserved float64 // best score submitted by this client

	BestAvailable bool
	BestParams    Params
	FinalScore    float64 // objective re-evaluated on BestParams
}

// Summary is the one-line completion message.
func (r *Report) Summary() string {
	if r.MaxTrials == 0 {
		return fmt.Sprintf("Completed %d trials (no trial limit)", r.TrialsCompleted)
	}
	return fmt.Sprintf("Completed %d/%d trials", r.TrialsCompleted, r.MaxTrials)
}

// Controller drives acquire -> evaluate -> submit cycles against one study.
// All of its state is local; independent controllers need no coordination.
type Controller struct {
	proto     Protocol
	objective Objective
	progress  *ProgressReporter
	onChange  func(from, to State)

	state           State
	studyID         string
	trialsCompleted int
	maxTrials       int

	// current cycle
	params Params
	score  float64

	hasObserved  bool
	bestObserved float64
}

// ControllerOption customizes a Controller.
type ControllerOption func(*Controller)

// WithProgress emits JSON-lines progress records to r.
func WithProgress(r *ProgressReporter) ControllerOption {
	return func(c *Controller) { c.progress = r }
}

// WithTransitionHook calls fn on every state change.
func WithTransitionHook(fn func(from, to State)) ControllerOption {
	return func(c *Controller) { c.onChange = fn }
}

// NewController creates a Controller in StateAwaitingTrial.
func NewController(proto Protocol, objective Objective, cfg LoopConfig, opts ...ControllerOption) (*Controller, error) {
	if proto == nil {
		return nil, errors.New("controller requires a protocol client")
	}
	if objective == nil {
		return nil, errors.New("controller requires an objective")
	}
	if cfg.MaxTrials < 0 {
		return nil, fmt.Errorf("max trials must be >= 0, got %d", cfg.MaxTrials)
	}
	c := &Controller{
		proto:     proto,
		objective: objective,
		state:     StateAwaitingTrial,
		studyID:   cfg.StudyID,
		maxTrials: cfg.MaxTrials,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State returns the current state.
func (c *Controller) State() State { return c.state }

// StudyID returns the study id in use, empty until one is known.
func (c *Controller) StudyID() string { return c.studyID }

// TrialsCompleted returns the number of trials whose score was accepted.
func (c *Controller) TrialsCompleted() int { return c.trialsCompleted }

// Run drives the loop to StateDone. Retry exhaustion ends the loop normally;
// only logic-fatal conditions (ErrStudyMismatch, ErrRequestConstruction)
// are returned as errors. The Report is always non-nil.
func (c *Controller) Run(ctx context.Context) (*Report, error) {
	report := &Report{MaxTrials: c.maxTrials}
	if c.state != StateAwaitingTrial {
		return c.finish(report), fmt.Errorf("controller already in state %s", c.state)
	}

	logrus.Infof("Starting hyperparameter optimization: study_id=%s, max_trials=%d", displayStudyID(c.studyID), c.maxTrials)
	c.reportProgress(ProgressRunning)

	for c.state != StateDone {
		var (
			next State
			err  error
		)
		switch c.state {
		case StateAwaitingTrial:
			next, err = c.awaitTrial(ctx, report)
		case StateEvaluating:
			next = c.evaluate()
		case StateSubmittingScore:
			next, err = c.submitScore(ctx, report)
		case StateFinalizing:
			next, err = c.finalize(ctx, report)
		}
		if err != nil {
			report.StopReason = StopFatal
			logrus.Errorf("Trial loop aborted in state %s: %v", c.state, err)
			c.transition(StateDone)
			c.reportProgress(ProgressFailed)
			return c.finish(report), err
		}
		c.transition(next)
	}

	if report.StopReason == StopInterrupted {
		c.reportProgress(ProgressInterrupted)
	} else {
		c.reportCompletion(report)
	}
	return c.finish(report), nil
}

func (c *Controller) awaitTrial(ctx context.Context, report *Report) (State, error) {
	if c.maxTrials > 0 && c.trialsCompleted >= c.maxTrials {
		report.StopReason = StopMaxTrials
		return StateFinalizing, nil
	}
	logrus.Infof("=== Starting Trial %d/%s ===", c.trialsCompleted+1, c.maxTrialsLabel())

	trial, err := c.proto.RequestTrial(ctx, c.studyID)
	if err != nil {
		return c.exitPath(ctx, err, report, StopTrialUnavailable, "Could not receive parameters")
	}
	if trial.StudyID != "" {
		if err := c.adoptStudy(trial.StudyID); err != nil {
			return StateDone, err
		}
	}
	if trial.Params.IsEmpty() {
		logrus.Info("Service returned no parameters, study is finished")
		report.StopReason = StopStudyFinished
		return StateFinalizing, nil
	}
	c.params = trial.Params
	return StateEvaluating, nil
}

func (c *Controller) evaluate() State {
	logrus.Infof("Training model with received parameters: %s", c.params)
	c.score = c.objective.Evaluate(c.params)
	logrus.Infof("Model evaluation complete: score = %v", c.score)
	return StateSubmittingScore
}

func (c *Controller) submitScore(ctx context.Context, report *Report) (State, error) {
	if err := c.proto.SubmitScore(ctx, c.studyID, c.score); err != nil {
		return c.exitPath(ctx, err, report, StopScoreRejected, "Could not submit score")
	}

	c.trialsCompleted++
	if !c.hasObserved || c.score > c.bestObserved {
		c.hasObserved = true
		c.bestObserved = c.score
	}
	logrus.Infof("Trial %d/%s completed", c.trialsCompleted, c.maxTrialsLabel())
	c.reportProgress(ProgressRunning)

	c.params = Params{}
	if c.maxTrials > 0 && c.trialsCompleted == c.maxTrials {
		report.StopReason = StopMaxTrials
		return StateFinalizing, nil
	}
	return StateAwaitingTrial, nil
}

func (c *Controller) finalize(ctx context.Context, report *Report) (State, error) {
	if c.trialsCompleted == 0 {
		return StateDone, nil
	}
	logrus.Info("=== Requesting best parameters ===")

	best, err := c.proto.RequestBest(ctx, c.studyID)
	if err != nil {
		if ctx.Err() != nil {
			logrus.Warnf("Interrupted before best parameters were received: %v", err)
			report.StopReason = StopInterrupted
			return StateDone, nil
		}
		if errors.Is(err, retry.ErrExhausted) {
			logrus.Warnf("Could not receive best parameters: %v", err)
			return StateDone, nil
		}
		return StateDone, err
	}
	if best.IsEmpty() {
		logrus.Warn("Could not receive best parameters: service returned an empty set")
		return StateDone, nil
	}

	report.BestAvailable = true
	report.BestParams = best
	report.FinalScore = c.objective.Evaluate(best)
	logrus.Info("=== Final evaluation with best parameters ===")
	logrus.Infof("Parameters: %s", best)
	logrus.Infof("Final score: %v", report.FinalScore)
	return StateDone, nil
}

// exitPath maps a failed protocol call to the next state. Exhaustion and
// cancellation end the loop normally; anything else is logic-fatal.
func (c *Controller) exitPath(ctx context.Context, err error, report *Report, reason StopReason, msg string) (State, error) {
	switch {
	case ctx.Err() != nil:
		logrus.Warnf("%s: interrupted: %v", msg, err)
		report.StopReason = StopInterrupted
		return StateDone, nil
	case errors.Is(err, retry.ErrExhausted):
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) && exhausted.Terminal {
			logrus.Infof("%s. Exiting trial loop: %v", msg, err)
		} else {
			logrus.Warnf("%s. Exiting trial loop: %v", msg, err)
		}
		report.StopReason = reason
		return StateFinalizing, nil
	default:
		return StateDone, err
	}
}

// adoptStudy takes the service's study id on first contact and requires it
// to match afterwards.
func (c *Controller) adoptStudy(returned string) error {
	if c.studyID == "" {
		c.studyID = returned
		logrus.Infof("Adopted study id %s", returned)
		return nil
	}
	if returned != c.studyID {
		return fmt.Errorf("%w: service returned %q while running %q", ErrStudyMismatch, returned, c.studyID)
	}
	return nil
}

func (c *Controller) transition(to State) {
	if to == c.state {
		return
	}
	from := c.state
	c.state = to
	logrus.Debugf("Trial loop: %s -> %s", from, to)
	if c.onChange != nil {
		c.onChange(from, to)
	}
}

func (c *Controller) finish(report *Report) *Report {
	report.StudyID = c.studyID
	report.TrialsCompleted = c.trialsCompleted
	report.HasObserved = c.hasObserved
	report.BestObserved = c.bestObserved
	if report.EarlyStop() {
		logrus.Warn(report.Summary())
	} else {
		logrus.Info(report.Summary())
	}
	return report
}

func (c *Controller) reportProgress(status string) {
	if c.progress == nil {
		return
	}
	rec := ProgressRecord{
		Status:       status,
		StudyID:      c.studyID,
		CurrentTrial: c.trialsCompleted,
		TotalTrials:  c.maxTrials,
	}
	if c.maxTrials > 0 {
		rec.Progress = roundTo(float64(c.trialsCompleted)/float64(c.maxTrials)*100, 2)
	}
	if c.hasObserved {
		best := roundTo(c.bestObserved, 4)
		rec.BestValue = &best
	}
	if err := c.progress.Report(rec); err != nil {
		logrus.Warnf("Failed to report progress: %v", err)
	}
}

// reportCompletion emits the final record of a run that was not cut short.
// It carries the service's best parameters and their re-evaluated score, or
// the best locally observed score when best parameters are unavailable.
func (c *Controller) reportCompletion(report *Report) {
	if c.progress == nil {
		return
	}
	rec := ProgressRecord{
		Progress:     100,
		Status:       ProgressCompleted,
		StudyID:      c.studyID,
		CurrentTrial: c.trialsCompleted,
		TotalTrials:  c.maxTrials,
	}
	switch {
	case report.BestAvailable:
		best := roundTo(report.FinalScore, 4)
		params := report.BestParams
		rec.BestValue = &best
		rec.BestParams = &params
	case c.hasObserved:
		best := roundTo(c.bestObserved, 4)
		rec.BestValue = &best
	}
	if err := c.progress.Report(rec); err != nil {
		logrus.Warnf("Failed to report progress: %v", err)
	}
}

// EarlyStop reports whether the loop ended before the study or the trial
// budget did.
func (r *Report) EarlyStop() bool {
	switch r.StopReason {
	case StopMaxTrials, StopStudyFinished:
		return false
	default:
		return true
	}
}

func (c *Controller) maxTrialsLabel() string {
	if c.maxTrials == 0 {
		return "unbounded"
	}
	return fmt.Sprintf("%d", c.maxTrials)
}

func displayStudyID(id string) string {
	if id == "" {
		return "auto-generated"
	}
	return id
}
