package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/pterm/pterm"
)

type progressSpinner interface {
	Stop() error
	Success(...any)
	Fail(...any)
	UpdateText(string)
}

type progressSpinnerFactory func(string) (progressSpinner, error)

var defaultSpinnerFactory progressSpinnerFactory = func(text string) (progressSpinner, error) {
	spinner, err := pterm.DefaultSpinner.
		WithRemoveWhenDone(false).
		WithText(text).
		Start()
	if err != nil {
		return nil, err
	}
	return spinner, nil
}

// StepStatus is the state of a progress step.
type StepStatus int

const (
	// StepPending is a step that has not started.
	StepPending StepStatus = iota
	// StepRunning is the step in progress.
	StepRunning
	// StepCompleted is a step that succeeded.
	StepCompleted
	// StepFailed is a step that failed.
	StepFailed
)

// Step is a line of progress output. Steps with IndentLevel 0 are headers, deeper ones get a
// spinner while running.
type Step struct {
	ID          string
	Message     string
	Status      StepStatus
	IndentLevel int
	startTime   time.Time
}

// ProgressManager prints a sequence of steps, one spinner at a time.
type ProgressManager struct {
	out            io.Writer
	clk            clock.Clock
	spinnerFactory progressSpinnerFactory
	disabled       bool

	mu             sync.Mutex
	steps          map[string]*Step
	currentSpinner progressSpinner
}

// ProgressManagerOption customizes a ProgressManager.
type ProgressManagerOption func(*ProgressManager)

// WithProgressOutput enables or disables terminal output.
func WithProgressOutput(enabled bool) ProgressManagerOption {
	return func(pm *ProgressManager) {
		pm.disabled = !enabled
	}
}

func withProgressSpinnerFactory(factory progressSpinnerFactory) ProgressManagerOption {
	return func(pm *ProgressManager) {
		pm.spinnerFactory = factory
	}
}

func withProgressClock(clk clock.Clock) ProgressManagerOption {
	return func(pm *ProgressManager) {
		pm.clk = clk
	}
}

// NewProgressManager registers steps and writes headers to out.
func NewProgressManager(out io.Writer, steps []*Step, opts ...ProgressManagerOption) *ProgressManager {
	pterm.Success.Prefix = pterm.Prefix{Text: "✓", Style: pterm.NewStyle(pterm.FgGreen)}
	pterm.Error.Prefix = pterm.Prefix{Text: "✗", Style: pterm.NewStyle(pterm.FgRed)}
	pterm.DefaultSpinner.Style = pterm.NewStyle(pterm.FgCyan)

	pm := &ProgressManager{
		out:            out,
		clk:            clock.New(),
		spinnerFactory: defaultSpinnerFactory,
		steps:          make(map[string]*Step, len(steps)),
	}
	for _, step := range steps {
		pm.steps[step.ID] = step
	}
	for _, opt := range opts {
		opt(pm)
	}
	return pm
}

func indent(step *Step) string {
	if step.IndentLevel == 0 {
		return ""
	}
	return strings.Repeat("  ", step.IndentLevel) + "→ "
}

func (pm *ProgressManager) step(id string) (*Step, error) {
	step, ok := pm.steps[id]
	if !ok {
		return nil, errors.Errorf("step %q not found", id)
	}
	return step, nil
}

// Status returns the status of a step.
func (pm *ProgressManager) Status(id string) (StepStatus, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	step, err := pm.step(id)
	if err != nil {
		return StepPending, err
	}
	return step.Status, nil
}

// Start marks a step as running. A child step replaces the spinner of the previous one.
func (pm *ProgressManager) Start(id string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	step, err := pm.step(id)
	if err != nil {
		return err
	}
	step.Status = StepRunning
	step.startTime = pm.clk.Now()
	if pm.disabled {
		return nil
	}
	if step.IndentLevel == 0 {
		_, err := fmt.Fprintf(pm.out, " …  %s\n", step.Message)
		return err
	}
	if pm.currentSpinner != nil {
		//nolint:errcheck
		_ = pm.currentSpinner.Stop()
	}
	spinner, err := pm.spinnerFactory(" " + indent(step) + step.Message)
	if err != nil {
		return errors.Wrap(err, "cannot start spinner")
	}
	pm.currentSpinner = spinner
	return nil
}

// Complete marks a step as completed. An empty message keeps the step message.
func (pm *ProgressManager) Complete(id, message string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	step, err := pm.step(id)
	if err != nil {
		return err
	}
	step.Status = StepCompleted
	if message == "" {
		message = step.Message
	}
	if !step.startTime.IsZero() {
		message += fmt.Sprintf(" (%s)", pm.clk.Since(step.startTime).Round(time.Millisecond))
	}
	pm.finishLocked(step, message, true)
	return nil
}

// Fail marks a step as failed with err.
func (pm *ProgressManager) Fail(id string, err error) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	step, lookupErr := pm.step(id)
	if lookupErr != nil {
		return lookupErr
	}
	step.Status = StepFailed
	pm.finishLocked(step, fmt.Sprintf("%s: %v", step.Message, err), false)
	return nil
}

func (pm *ProgressManager) finishLocked(step *Step, message string, success bool) {
	if pm.disabled {
		return
	}
	line := indent(step) + message
	if step.IndentLevel > 0 {
		line = " " + line
	}
	switch {
	case pm.currentSpinner != nil && success:
		pm.currentSpinner.Success(line)
	case pm.currentSpinner != nil:
		pm.currentSpinner.Fail(line)
	case success:
		//nolint:errcheck
		fmt.Fprintln(pm.out, pterm.Success.Sprint(line))
	default:
		//nolint:errcheck
		fmt.Fprintln(pm.out, pterm.Error.Sprint(line))
	}
	pm.currentSpinner = nil
}

// UpdateText changes the text of the running spinner.
func (pm *ProgressManager) UpdateText(text string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.disabled || pm.currentSpinner == nil {
		return
	}
	pm.currentSpinner.UpdateText(text)
}

// Stop stops the running spinner.
func (pm *ProgressManager) Stop() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.currentSpinner == nil {
		return
	}
	//nolint:errcheck
	_ = pm.currentSpinner.Stop()
	pm.currentSpinner = nil
}
