package scan

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/rgbd/catalog"
	"go.viam.com/rgbd/grabber"
	"go.viam.com/rgbd/logging"
	"go.viam.com/rgbd/modeler"
	"go.viam.com/rgbd/pose"
	"go.viam.com/rgbd/rgbd"
)

// Session is a scanning session on the first device found.
type Session struct {
	cfg    Config
	logger logging.Logger

	quit     chan struct{}
	quitOnce sync.Once

	mu         sync.Mutex
	started    bool
	grabber    grabber.Grabber
	controller *Controller
	dropper    *grabber.DroppingListener
	catalog    *catalog.Catalog
	entry      catalog.Session
}

// NewSession validates cfg and returns an idle session.
func NewSession(cfg Config, logger logging.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Headless && cfg.Grabber.Synchronous {
		return nil, errors.New("a synchronous device needs the interactive view to step frames")
	}
	return &Session{cfg: cfg, logger: logger, quit: make(chan struct{})}, nil
}

// Start discovers the devices, connects to the first one, wires the frame pipeline to it and
// starts capture. With no device it returns grabber.ErrNoDevice before anything is wired.
func (s *Session) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("session already started")
	}
	s.started = true

	grabbers, err := grabber.CreateGrabbers(ctx, s.cfg.Grabber, s.logger.Sublogger("grabber"))
	if err != nil {
		return err
	}
	if len(grabbers) == 0 {
		return grabber.ErrNoDevice
	}
	g := grabbers[0]
	if len(grabbers) > 1 {
		s.logger.Infow("several devices found, using the first one", "device", g.Name(), "count", len(grabbers))
	}
	if err := g.Connect(ctx); err != nil {
		return multierr.Combine(err, g.Close(ctx))
	}
	s.grabber = g
	defer func() {
		if err != nil {
			err = multierr.Combine(err, s.closeLocked(ctx))
		}
	}()

	calib := g.Calibration()
	if calib == nil {
		s.logger.Warnw("device is not calibrated, frames will have no point cloud", "device", g.Name())
	}
	processor, err := rgbd.NewProcessor(s.cfg.Processor, s.logger.Sublogger("processor"))
	if err != nil {
		return err
	}

	poseCfg := s.cfg.Pose
	var sessionID string
	if s.cfg.CatalogPath != "" {
		if s.catalog, err = catalog.Open(ctx, s.cfg.CatalogPath, s.logger.Sublogger("catalog")); err != nil {
			return err
		}
		if s.cfg.PoseSession != "" {
			if poseCfg.Poses, err = s.catalog.Poses(ctx, s.cfg.PoseSession); err != nil {
				return err
			}
		}
		if s.entry, err = s.catalog.NewSession(ctx, s.cfg.Prefix, g.Name()); err != nil {
			return err
		}
		sessionID = s.entry.ID
	}
	estimator, err := pose.New(poseCfg, s.logger.Sublogger("pose"))
	if err != nil {
		return err
	}
	model, err := modeler.New(s.cfg.Modeler, calib, s.logger.Sublogger("modeler"))
	if err != nil {
		return err
	}
	acquisition := NewAcquisitionController(estimator, model, s.logger.Sublogger("acquisition"))
	if s.cfg.Headless {
		acquisition.SetPaused(false)
	}

	thumbnail := s.cfg.Thumbnail
	if s.cfg.Headless {
		thumbnail = 0
	}
	s.controller = NewController(ControllerConfig{
		Device:      g.Name(),
		Processor:   processor,
		Calibration: calib,
		Acquisition: acquisition,
		Prefix:      s.cfg.Prefix,
		Recorder:    rgbd.RecorderOptions{StartIndex: s.cfg.StartIndex, SaveOnlyRaw: true, BinaryRaw: true},
		Catalog:     s.catalog,
		SessionID:   sessionID,
		Trigger:     g.Trigger,
		Clock:       s.cfg.Grabber.Clock,

		ThumbnailWidth: thumbnail,
	}, s.logger.Sublogger("controller"))
	if s.cfg.Grabber.Synchronous {
		s.controller.SetPaused(true)
	}
	if s.cfg.Record {
		if err := s.controller.SetRecording(true); err != nil {
			return err
		}
	}

	var listener grabber.FrameListener = s.controller
	if s.cfg.DropFrames {
		s.dropper = grabber.NewDroppingListener(s.controller, s.logger.Sublogger("dropper"))
		listener = s.dropper
	}
	g.AddListener(listener)
	if err := g.Start(ctx); err != nil {
		return err
	}
	s.logger.Infow("scanning", "device", g.Name(), "sync", s.cfg.Grabber.Synchronous, "estimator", poseCfg.Mode)
	return nil
}

// Run starts the session and waits for it to end.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	return s.Wait(ctx)
}

// Wait blocks until ctx is done or Quit is called. Headless sessions also end with the stream.
// Capture is then stopped and the model saved to the output path, if any.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	g := s.grabber
	s.mu.Unlock()
	if g == nil {
		return errors.New("session is not started")
	}
	var ended <-chan struct{}
	if s.cfg.Headless {
		ended = g.Done()
	}
	select {
	case <-ctx.Done():
	case <-s.quit:
	case <-ended:
	}
	if err := g.Stop(); err != nil {
		return err
	}
	if s.cfg.OutputModel == "" {
		return nil
	}
	return s.SaveModel()
}

// Quit makes Wait return.
func (s *Session) Quit() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// Controller is the frame listener of a started session, nil before Start.
func (s *Session) Controller() *Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controller
}

// CatalogSession is the catalog entry of the session, zero without a catalog.
func (s *Session) CatalogSession() catalog.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry
}

// State returns a snapshot of the UI state.
func (s *Session) State() UIState {
	s.mu.Lock()
	ctrl, dropper := s.controller, s.dropper
	s.mu.Unlock()
	if ctrl == nil {
		return UIState{LastIndex: -1}
	}
	state := ctrl.State()
	if dropper != nil {
		state.Dropped = dropper.Dropped()
	}
	return state
}

// SaveModel writes the model to the output path.
func (s *Session) SaveModel() error {
	if s.cfg.OutputModel == "" {
		return errors.New("no output model path configured")
	}
	ctrl := s.Controller()
	if ctrl == nil {
		return errors.New("session is not started")
	}
	return ctrl.Acquisition().Model().Save(s.cfg.OutputModel)
}

// Close stops capture and releases the device, the recorder and the catalog.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked(ctx)
}

func (s *Session) closeLocked(ctx context.Context) error {
	var err error
	if s.grabber != nil {
		err = multierr.Combine(err, s.grabber.Close(ctx))
	}
	if s.dropper != nil {
		err = multierr.Combine(err, s.dropper.Close())
	}
	if s.controller != nil {
		err = multierr.Combine(err, s.controller.Close())
	}
	if s.catalog != nil {
		err = multierr.Combine(err, s.catalog.Close())
		s.catalog = nil
	}
	s.grabber = nil
	return err
}

// SetAcquisitionPaused pauses or resumes fusion. It does nothing before Start.
func (s *Session) SetAcquisitionPaused(paused bool) {
	if ctrl := s.Controller(); ctrl != nil {
		ctrl.Acquisition().SetPaused(paused)
	}
}

// SetPaused pauses or resumes frame handling. It does nothing before Start.
func (s *Session) SetPaused(paused bool) {
	if ctrl := s.Controller(); ctrl != nil {
		ctrl.SetPaused(paused)
	}
}

// Step handles one more frame of a paused session.
func (s *Session) Step() {
	if ctrl := s.Controller(); ctrl != nil {
		ctrl.Step()
	}
}

// SetRecording starts or stops recording.
func (s *Session) SetRecording(recording bool) error {
	ctrl := s.Controller()
	if ctrl == nil {
		return errors.New("session is not started")
	}
	return ctrl.SetRecording(recording)
}

// ResetModel empties the model.
func (s *Session) ResetModel() {
	if ctrl := s.Controller(); ctrl != nil {
		ctrl.Acquisition().Reset()
	}
}
