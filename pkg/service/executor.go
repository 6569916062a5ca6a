package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/penflow/penflow/pkg/events"
	"github.com/penflow/penflow/pkg/generative"
	"github.com/penflow/penflow/pkg/models"
)

// Logger defines the logging interface accepted by the services.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

const (
	// MaxAttempts bounds a stage to 2 retries: 3 attempts total.
	MaxAttempts = 3
	// ShortStageTimeout applies to discovery, research, media and
	// compilation; GenerationTimeout to the content-heavy stages.
	ShortStageTimeout = 60 * time.Second
	GenerationTimeout = 300 * time.Second

	minUnitWords = 150
	maxUnitWords = 600
)

// StageExecutor drives one generative-service call per stage attempt, with
// per-attempt timeout, bounded retry with exponential backoff, and
// output-shape validation. A stage either fully succeeds or fails the run;
// there is no partial-stage degradation.
type StageExecutor struct {
	client  generative.Client
	bus     *events.Bus
	logger  Logger
	backoff time.Duration // base delay before the first retry, doubled per attempt
}

func NewStageExecutor(client generative.Client, bus *events.Bus, logger Logger) *StageExecutor {
	return &StageExecutor{
		client:  client,
		bus:     bus,
		logger:  logger,
		backoff: 2 * time.Second,
	}
}

// SetBackoffBase overrides the retry backoff base. Tests use this to avoid
// multi-second sleeps.
func (e *StageExecutor) SetBackoffBase(d time.Duration) {
	e.backoff = d
}

// StageTimeout returns the hard per-attempt timeout for a stage.
func StageTimeout(stage models.Stage) time.Duration {
	switch stage {
	case models.CurationStage, models.EditingStage:
		return GenerationTimeout
	default:
		return ShortStageTimeout
	}
}

// Execute runs one stage to completion. It returns the stage's structured
// output as JSON together with the number of attempts spent. The returned
// error, if any, is terminal for the stage: transient failures have already
// been absorbed by the retry budget.
func (e *StageExecutor) Execute(ctx context.Context, run models.WorkflowRun, stage models.Stage, state models.RunState) ([]byte, int, error) {
	// Compilation assembles upstream outputs; no generative call involved.
	if stage == models.CompilationStage {
		out, err := assembleCompilation(run, state)
		if err != nil {
			return nil, 1, &TerminalError{Err: err}
		}
		return out, 1, nil
	}

	prompt, constraints, err := e.buildRequest(run, stage, state)
	if err != nil {
		return nil, 0, &TerminalError{Err: err}
	}

	timeout := StageTimeout(stage)
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := e.backoff << (attempt - 2)
			e.logger.Infof("Retrying stage %s for run %s in %s (attempt %d/%d)", stage, run.ID, delay, attempt, MaxAttempts)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, attempt - 1, &TerminalError{Err: ctx.Err()}
			}
		}

		e.bus.Publish(run.ID, models.ProgressEvent{
			Kind:    models.StageProgressEvent,
			Stage:   stage,
			Message: fmt.Sprintf("attempt %d/%d: calling generative service", attempt, MaxAttempts),
		})

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		text, genErr := e.client.Generate(attemptCtx, prompt, constraints)
		cancel()

		if genErr == nil {
			payload, valErr := e.validate(run, stage, state, text)
			if valErr == nil {
				return payload, attempt, nil
			}
			genErr = valErr
		}

		lastErr = classifyError(genErr)
		if !isTransient(lastErr) {
			e.logger.Errorf("Stage %s for run %s failed terminally on attempt %d: %v", stage, run.ID, attempt, lastErr)
			return nil, attempt, lastErr
		}
		e.logger.Infof("Stage %s for run %s attempt %d failed: %v", stage, run.ID, attempt, lastErr)
	}

	// Retry budget exhausted: the transient failure becomes terminal.
	return nil, MaxAttempts, &TerminalError{Err: errors.Wrapf(lastErr, "stage %s exhausted %d attempts", stage, MaxAttempts)}
}

// buildRequest produces the stage-specific prompt from upstream outputs.
func (e *StageExecutor) buildRequest(run models.WorkflowRun, stage models.Stage, state models.RunState) (string, generative.Constraints, error) {
	switch stage {
	case models.DiscoveryStage:
		prefs := string(run.Preferences)
		if prefs == "" {
			prefs = "{}"
		}
		prompt := fmt.Sprintf(
			"Choose the framing for a %d-entry guided writing program.\n"+
				"User preferences: %s\n"+
				`Respond with JSON: {"title","theme","audience","tone"}.`,
			run.Variant.UnitCount(), prefs)
		return prompt, generative.Constraints{Format: "json"}, nil

	case models.ResearchStage:
		disc, err := discoveryOf(state)
		if err != nil {
			return "", generative.Constraints{}, err
		}
		prompt := fmt.Sprintf(
			"Collect exactly %d short research insights supporting a writing program titled %q (theme: %s, audience: %s).\n"+
				`Respond with JSON: {"insights": ["..."]}.`,
			run.Variant.InsightCount(), disc.Title, disc.Theme, disc.Audience)
		return prompt, generative.Constraints{Format: "json"}, nil

	case models.CurationStage:
		disc, err := discoveryOf(state)
		if err != nil {
			return "", generative.Constraints{}, err
		}
		research, err := researchOf(state)
		if err != nil {
			return "", generative.Constraints{}, err
		}
		var b strings.Builder
		total := run.Variant.UnitCount()
		fmt.Fprintf(&b, "Write the %d entries of the guided writing program %q (tone: %s).\n", total, disc.Title, disc.Tone)
		fmt.Fprintf(&b, "Each entry body must be %d-%d words.\n", minUnitWords, maxUnitWords)
		for i := 1; i <= total; i++ {
			tag, rng, err := models.AssignPhase(i, total, len(research.Insights))
			if err != nil {
				return "", generative.Constraints{}, err
			}
			fmt.Fprintf(&b, "Entry %d: phase %q, grounded in insights: %s\n",
				i, tag, strings.Join(research.Insights[rng.Start:rng.End], "; "))
		}
		b.WriteString(`Respond with JSON: {"units": [{"index","title","body"}]}.`)
		return b.String(), generative.Constraints{Format: "json", MinWords: minUnitWords, MaxWords: maxUnitWords}, nil

	case models.EditingStage:
		curation, err := curationOf(state)
		if err != nil {
			return "", generative.Constraints{}, err
		}
		raw, err := json.Marshal(curation)
		if err != nil {
			return "", generative.Constraints{}, err
		}
		prompt := fmt.Sprintf(
			"Polish the following program entries for clarity and consistency. Keep every entry, its index and its ordering; bodies stay within %d-%d words.\n%s\n"+
				`Respond with JSON: {"units": [{"index","title","body"}]}.`,
			minUnitWords, maxUnitWords, raw)
		return prompt, generative.Constraints{Format: "json", MinWords: minUnitWords, MaxWords: maxUnitWords}, nil

	case models.MediaStage:
		disc, err := discoveryOf(state)
		if err != nil {
			return "", generative.Constraints{}, err
		}
		prompt := fmt.Sprintf(
			"Propose one illustration per entry (%d entries) for the program %q, matching tone %q.\n"+
				`Respond with JSON: {"refs": [{"unit_index","kind","prompt"}]}.`,
			run.Variant.UnitCount(), disc.Title, disc.Tone)
		return prompt, generative.Constraints{Format: "json"}, nil
	}
	return "", generative.Constraints{}, fmt.Errorf("unknown stage %q", stage)
}

// validate parses the service response and checks the stage's output shape.
// Shape violations are transient: the next attempt may produce well-formed
// output, and the retry budget turns persistent ones terminal.
func (e *StageExecutor) validate(run models.WorkflowRun, stage models.Stage, state models.RunState, text string) ([]byte, error) {
	transient := func(err error) error { return &TransientError{Err: err} }

	switch stage {
	case models.DiscoveryStage:
		var out models.DiscoveryOutput
		if err := json.Unmarshal([]byte(text), &out); err != nil {
			return nil, transient(errors.Wrap(err, "malformed discovery output"))
		}
		if out.Title == "" {
			return nil, transient(errors.New("discovery output missing title"))
		}
		return json.Marshal(out)

	case models.ResearchStage:
		var out models.ResearchOutput
		if err := json.Unmarshal([]byte(text), &out); err != nil {
			return nil, transient(errors.Wrap(err, "malformed research output"))
		}
		want := run.Variant.InsightCount()
		if len(out.Insights) != want {
			return nil, transient(fmt.Errorf("expected %d insights, got %d", want, len(out.Insights)))
		}
		for i, ins := range out.Insights {
			if strings.TrimSpace(ins) == "" {
				return nil, transient(fmt.Errorf("insight %d is empty", i+1))
			}
		}
		return json.Marshal(out)

	case models.CurationStage:
		var out models.CurationOutput
		if err := json.Unmarshal([]byte(text), &out); err != nil {
			return nil, transient(errors.Wrap(err, "malformed curation output"))
		}
		research, err := researchOf(state)
		if err != nil {
			return nil, &TerminalError{Err: err}
		}
		total := run.Variant.UnitCount()
		if len(out.Units) != total {
			return nil, transient(fmt.Errorf("expected %d units, got %d", total, len(out.Units)))
		}
		for i := range out.Units {
			unit := &out.Units[i]
			if words := wordCount(unit.Body); words < minUnitWords || words > maxUnitWords {
				return nil, transient(fmt.Errorf("unit %d body has %d words, want %d-%d", i+1, words, minUnitWords, maxUnitWords))
			}
			// Phase and insight range are assigned deterministically here,
			// never trusted from the model.
			unit.Index = i + 1
			tag, rng, err := models.AssignPhase(unit.Index, total, len(research.Insights))
			if err != nil {
				return nil, &TerminalError{Err: err}
			}
			unit.Phase = tag
			unit.Insights = rng
		}
		return json.Marshal(out)

	case models.EditingStage:
		var out models.EditingOutput
		if err := json.Unmarshal([]byte(text), &out); err != nil {
			return nil, transient(errors.Wrap(err, "malformed editing output"))
		}
		curation, err := curationOf(state)
		if err != nil {
			return nil, &TerminalError{Err: err}
		}
		if len(out.Units) != len(curation.Units) {
			return nil, transient(fmt.Errorf("editing dropped units: got %d, want %d", len(out.Units), len(curation.Units)))
		}
		for i := range out.Units {
			unit := &out.Units[i]
			if words := wordCount(unit.Body); words < minUnitWords || words > maxUnitWords {
				return nil, transient(fmt.Errorf("edited unit %d body has %d words, want %d-%d", i+1, words, minUnitWords, maxUnitWords))
			}
			unit.Index = curation.Units[i].Index
			unit.Phase = curation.Units[i].Phase
			unit.Insights = curation.Units[i].Insights
		}
		return json.Marshal(out)

	case models.MediaStage:
		var out models.MediaOutput
		if err := json.Unmarshal([]byte(text), &out); err != nil {
			return nil, transient(errors.Wrap(err, "malformed media output"))
		}
		total := run.Variant.UnitCount()
		if len(out.Refs) != total {
			return nil, transient(fmt.Errorf("expected %d media refs, got %d", total, len(out.Refs)))
		}
		for i := range out.Refs {
			out.Refs[i].UnitIndex = i + 1
			if out.Refs[i].Kind == "" {
				out.Refs[i].Kind = "illustration"
			}
		}
		return json.Marshal(out)
	}
	return nil, &TerminalError{Err: fmt.Errorf("unknown stage %q", stage)}
}

// assembleCompilation builds the document-compiler handoff from the
// editing and media outputs.
func assembleCompilation(run models.WorkflowRun, state models.RunState) ([]byte, error) {
	disc, err := discoveryOf(state)
	if err != nil {
		return nil, err
	}
	editing, err := editingOf(state)
	if err != nil {
		return nil, err
	}
	media, err := mediaOf(state)
	if err != nil {
		return nil, err
	}
	out := models.CompilationOutput{
		Title:    disc.Title,
		Theme:    disc.Theme,
		Audience: disc.Audience,
		Tone:     disc.Tone,
		Units:    editing.Units,
		Media:    media.Refs,
	}
	return json.Marshal(out)
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// Upstream decode helpers. A missing or undecodable upstream means the
// dependency resolver dispatched a stage too early, which is a defect.

func stageOutput(state models.RunState, stage models.Stage, v interface{}) error {
	result, ok := state[stage]
	if !ok || result.Status != models.SucceededStageStatus {
		return fmt.Errorf("upstream stage %s has not succeeded", stage)
	}
	if err := json.Unmarshal(result.Output, v); err != nil {
		return errors.Wrapf(err, "decode %s output", stage)
	}
	return nil
}

func discoveryOf(state models.RunState) (models.DiscoveryOutput, error) {
	var out models.DiscoveryOutput
	err := stageOutput(state, models.DiscoveryStage, &out)
	return out, err
}

func researchOf(state models.RunState) (models.ResearchOutput, error) {
	var out models.ResearchOutput
	err := stageOutput(state, models.ResearchStage, &out)
	return out, err
}

func curationOf(state models.RunState) (models.CurationOutput, error) {
	var out models.CurationOutput
	err := stageOutput(state, models.CurationStage, &out)
	return out, err
}

func editingOf(state models.RunState) (models.EditingOutput, error) {
	var out models.EditingOutput
	err := stageOutput(state, models.EditingStage, &out)
	return out, err
}

func mediaOf(state models.RunState) (models.MediaOutput, error) {
	var out models.MediaOutput
	err := stageOutput(state, models.MediaStage, &out)
	return out, err
}
