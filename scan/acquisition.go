package scan

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/rgbd/logging"
	"go.viam.com/rgbd/modeler"
	"go.viam.com/rgbd/pose"
	"go.viam.com/rgbd/rgbd"
	"go.viam.com/rgbd/spatialmath"
)

// AcquisitionController estimates the pose of each frame and fuses it into the model. It starts
// paused.
type AcquisitionController struct {
	estimator pose.Estimator
	model     *modeler.Model
	logger    logging.Logger

	mu       sync.Mutex
	paused   bool
	previous pose.State
	failures int
}

// NewAcquisitionController returns a paused controller fusing into model.
func NewAcquisitionController(estimator pose.Estimator, model *modeler.Model, logger logging.Logger) *AcquisitionController {
	return &AcquisitionController{estimator: estimator, model: model, logger: logger, paused: true}
}

// Paused reports whether frames are ignored.
func (a *AcquisitionController) Paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

// SetPaused pauses or resumes fusion.
func (a *AcquisitionController) SetPaused(paused bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.paused != paused {
		a.logger.Infow("acquisition", "paused", paused)
	}
	a.paused = paused
}

// Model is the model frames are fused into.
func (a *AcquisitionController) Model() *modeler.Model {
	return a.model
}

// Failures is the number of frames that could not be estimated or fused.
func (a *AcquisitionController) Failures() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failures
}

// Reset empties the model and forgets the previous frame.
func (a *AcquisitionController) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model.Reset()
	a.previous = pose.State{}
}

// Process estimates the pose of frame and fuses it. It returns a nil pose when paused.
func (a *AcquisitionController) Process(ctx context.Context, frame *rgbd.Frame) (spatialmath.Pose, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.paused {
		return nil, nil
	}
	p, err := a.estimator.Estimate(ctx, frame, a.previous)
	if err != nil {
		a.failures++
		return nil, errors.Wrapf(err, "cannot estimate pose of frame %d", frame.Index)
	}
	if err := a.model.AddFrame(ctx, frame, p); err != nil {
		a.failures++
		return nil, err
	}
	a.previous = pose.State{Pose: p, Frame: frame}
	return p, nil
}
