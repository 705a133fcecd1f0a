package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cherve/cherve/pkg/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Options configures an Engine.
type Options struct {
	Prompter Prompter

	// Metrics, Tracer and Journal are optional.
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Journal StepRecorder
}

// Engine walks an install tree and installs what is missing.
type Engine struct {
	prompter Prompter
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	journal  StepRecorder
}

// NewEngine creates a provisioning engine.
func NewEngine(opts Options) *Engine {
	return &Engine{
		prompter: opts.Prompter,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		journal:  opts.Journal,
	}
}

// LeafResult is the outcome of one leaf.
type LeafResult struct {
	Name     string
	Status   StepStatus
	Missing  []string
	Duration time.Duration
	Warnings []string
	Err      error
}

// Report summarizes one Execute call in execution order.
type Report struct {
	RunID      string
	Status     RunStatus
	StartedAt  time.Time
	FinishedAt time.Time
	Leaves     []LeafResult
}

// Count returns how many leaves ended in the given status.
func (r *Report) Count(status StepStatus) int {
	n := 0
	for _, l := range r.Leaves {
		if l.Status == status {
			n++
		}
	}
	return n
}

// Leaf returns the result for the named leaf.
func (r *Report) Leaf(name string) (LeafResult, bool) {
	for _, l := range r.Leaves {
		if l.Name == name {
			return l, true
		}
	}
	return LeafResult{}, false
}

// Failed returns the failing leaf, if any.
func (r *Report) Failed() (LeafResult, bool) {
	for _, l := range r.Leaves {
		if l.Status == StepStatusFailed {
			return l, true
		}
	}
	return LeafResult{}, false
}

// selection is a leaf chosen (or declined) during the prompting pass.
type selection struct {
	leaf     *Leaf
	declined bool
}

// selectLeaves asks every question the tree needs, depth-first in declaration
// order, and returns the leaves to execute. Declined leaves are included
// with declined set so they can be reported.
func (e *Engine) selectLeaves(nodes []Node, ic *InstallContext) ([]selection, error) {
	var out []selection

	var declineAll func(n Node)
	declineAll = func(n Node) {
		switch v := n.(type) {
		case *Leaf:
			out = append(out, selection{leaf: v, declined: true})
		case *Group:
			for _, c := range v.Children {
				declineAll(c)
			}
		}
	}

	var walk func(n Node) error
	walk = func(n Node) error {
		switch v := n.(type) {
		case *Leaf:
			if v.Default != nil {
				ok, err := e.ask(fmt.Sprintf("Install %s?", v.Name), *v.Default)
				if err != nil {
					return err
				}
				out = append(out, selection{leaf: v, declined: !ok})
				if ok && v.OnSelect != nil {
					v.OnSelect(ic)
				}
				return nil
			}
			out = append(out, selection{leaf: v})
			if v.OnSelect != nil {
				v.OnSelect(ic)
			}
			return nil

		case *Group:
			if v.Default != nil {
				ok, err := e.ask(fmt.Sprintf("Include %s?", v.Name), *v.Default)
				if err != nil {
					return err
				}
				if !ok {
					declineAll(v)
					return nil
				}
			}

			if !v.OneOf {
				for _, c := range v.Children {
					if err := walk(c); err != nil {
						return err
					}
				}
				return nil
			}

			choices := leafNames(v)
			if e.prompter == nil {
				return fmt.Errorf("group %s needs a choice but no prompter is configured", v.Name)
			}
			choice, err := e.prompter.PromptChoice(fmt.Sprintf("Select %s", v.Name), choices, choices[0])
			if err != nil {
				return fmt.Errorf("prompt %s: %w", v.Name, err)
			}
			for _, c := range v.Children {
				if l, ok := c.(*Leaf); ok && strings.EqualFold(l.Name, choice) {
					return walk(l)
				}
			}
			return NewPreconditionError(ErrCodeInvalidInput,
				fmt.Sprintf("invalid selection %q for group %s", choice, v.Name))
		}
		return fmt.Errorf("unknown node type %T", n)
	}

	for _, n := range nodes {
		if err := walk(n); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e *Engine) ask(question string, def bool) (bool, error) {
	if e.prompter == nil {
		return def, nil
	}
	ok, err := e.prompter.PromptYesNo(question, def)
	if err != nil {
		return false, fmt.Errorf("prompt %q: %w", question, err)
	}
	return ok, nil
}

// Execute selects leaves from the tree and runs them in order. The first
// failure aborts the run; the returned report is always non-nil once
// selection has succeeded.
func (e *Engine) Execute(ctx context.Context, nodes []Node, ic *InstallContext) (*Report, error) {
	if err := Validate(nodes); err != nil {
		return nil, fmt.Errorf("invalid install tree: %w", err)
	}
	if ic.RunID == "" {
		ic.RunID = uuid.New().String()
	}

	selections, err := e.selectLeaves(nodes, ic)
	if err != nil {
		return nil, err
	}

	report := &Report{
		RunID:     ic.RunID,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
	}

	ctx, span := e.tracer.StartRunSpan(ctx, "server.install", ic.RunID)
	defer span.End()

	logger := log.With().Str("run_id", ic.RunID).Logger()

	for _, sel := range selections {
		if sel.declined {
			report.Leaves = append(report.Leaves, LeafResult{Name: sel.leaf.Name, Status: StepStatusSkipped})
			logger.Debug().Str("leaf", sel.leaf.Name).Msg("Skipped by operator")
			continue
		}
		ic.Selected = append(ic.Selected, sel.leaf.Name)

		if err := ctx.Err(); err != nil {
			report.Status = RunStatusCancelled
			report.FinishedAt = time.Now()
			telemetry.RecordError(span, err)
			return report, err
		}

		res := e.runLeaf(ctx, sel.leaf, ic)
		report.Leaves = append(report.Leaves, res)
		e.record(ctx, ic.RunID, res)

		if res.Err != nil {
			report.Status = RunStatusFailed
			if errors.Is(res.Err, context.Canceled) {
				report.Status = RunStatusCancelled
			}
			report.FinishedAt = time.Now()
			telemetry.RecordError(span, res.Err)
			logger.Error().Err(res.Err).Str("leaf", res.Name).Msg("Install aborted")
			return report, res.Err
		}
	}

	report.Status = RunStatusSucceeded
	report.FinishedAt = time.Now()
	telemetry.RecordSuccess(span)

	logger.Info().
		Int("installed", report.Count(StepStatusInstalled)).
		Int("already_satisfied", report.Count(StepStatusAlreadySatisfied)).
		Int("skipped", report.Count(StepStatusSkipped)).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Msg("Install completed")

	return report, nil
}

// runLeaf checks and installs a single leaf.
func (e *Engine) runLeaf(ctx context.Context, leaf *Leaf, ic *InstallContext) LeafResult {
	start := time.Now()
	res := LeafResult{Name: leaf.Name}

	ctx, span := e.tracer.StartStepSpan(ctx, "install", leaf.Name)
	defer span.End()

	logger := log.With().Str("run_id", ic.RunID).Str("leaf", leaf.Name).Logger()
	logger.Info().Msgf("Checking %s", leaf.Name)

	finish := func(status StepStatus, err error) LeafResult {
		res.Status = status
		res.Err = err
		res.Duration = time.Since(start)
		e.metrics.RecordStep("install", string(status), res.Duration)
		if err != nil {
			telemetry.RecordError(span, err)
			if ee, ok := AsEngineError(err); ok {
				e.metrics.RecordError(string(ee.Class), ee.Code)
			}
		} else {
			telemetry.RecordSuccess(span)
		}
		return res
	}

	missing, err := e.missing(ctx, ic, leaf.Packages)
	if err != nil {
		return finish(StepStatusFailed, stepFailure(leaf.Name+"/check", err))
	}
	res.Missing = missing

	if ic.DryRun {
		logger.Info().Strs("missing", missing).Msg("Planned")
		return finish(StepStatusPlanned, nil)
	}

	if len(missing) == 0 {
		logger.Info().Msg("Already installed")
		if leaf.PostInstall != nil {
			if err := leaf.PostInstall(ctx, ic); err != nil {
				return finish(StepStatusFailed, stepFailure(leaf.Name+"/post_install", err))
			}
		}
		return finish(StepStatusAlreadySatisfied, nil)
	}

	if leaf.PreInstall != nil {
		logger.Debug().Msg("Running pre-install hook")
		if err := leaf.PreInstall(ctx, ic); err != nil {
			return finish(StepStatusFailed, stepFailure(leaf.Name+"/pre_install", err))
		}
	}

	if !ic.AptUpdated {
		if err := ic.Packages.Update(ctx); err != nil {
			return finish(StepStatusFailed, stepFailure(leaf.Name+"/update", err))
		}
		ic.AptUpdated = true
	}

	logger.Info().Strs("packages", missing).Msg("Installing")
	if err := ic.Packages.Install(ctx, missing); err != nil {
		return finish(StepStatusFailed, stepFailure(leaf.Name+"/install", err))
	}
	e.metrics.RecordPackagesInstalled(len(missing))

	if leaf.Service != "" && ic.Services != nil {
		// Unit names vary across distributions; a failed enable is reported, not fatal.
		if err := ic.Services.EnableNow(ctx, leaf.Service); err != nil {
			logger.Warn().Err(err).Str("service", leaf.Service).Msg("Failed to enable service")
			res.Warnings = append(res.Warnings, fmt.Sprintf("enable %s: %v", leaf.Service, err))
		}
	}

	if leaf.PostInstall != nil {
		logger.Debug().Msg("Running post-install hook")
		if err := leaf.PostInstall(ctx, ic); err != nil {
			return finish(StepStatusFailed, stepFailure(leaf.Name+"/post_install", err))
		}
	}

	logger.Info().Msg("Done")
	return finish(StepStatusInstalled, nil)
}

// missing returns the packages not yet installed, deduplicated in order.
func (e *Engine) missing(ctx context.Context, ic *InstallContext, packages []string) ([]string, error) {
	seen := make(map[string]bool, len(packages))
	var out []string
	for _, p := range packages {
		if seen[p] {
			continue
		}
		seen[p] = true
		ok, err := ic.Packages.Installed(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("check package %s: %w", p, err)
		}
		if !ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (e *Engine) record(ctx context.Context, runID string, res LeafResult) {
	if e.journal == nil {
		return
	}
	detail := strings.Join(res.Missing, " ")
	if res.Err != nil {
		detail = res.Err.Error()
	}
	err := e.journal.RecordStep(ctx, runID, StepRecord{
		Name:     res.Name,
		Status:   res.Status,
		Duration: res.Duration,
		Detail:   detail,
	})
	if err != nil {
		log.Warn().Err(err).Str("leaf", res.Name).Msg("Failed to journal step")
	}
}

// stepFailure attaches the failing step to err.
func stepFailure(step string, err error) error {
	if ee, ok := AsEngineError(err); ok {
		ee.WithStep(step)
		return err
	}
	return fmt.Errorf("step %s: %w", step, err)
}
