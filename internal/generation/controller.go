package generation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"vnhis2image/internal/backend"
	"vnhis2image/internal/prompt"
)

// Backend is the part of the backend client a controller drives.
type Backend interface {
	Generate(ctx context.Context, req backend.GenerateRequest) (backend.Image, error)
	Progress(ctx context.Context) (backend.Progress, error)
	Interrupt(ctx context.Context) error
}

// RequestOptions are passed through to /generate untouched.
type RequestOptions struct {
	AspectRatio    string
	NumberOfImages int
	MimeType       string
	AllowPeople    string
}

type Attempt struct {
	Style    prompt.Style
	Values   map[string]string
	Notes    string
	Language prompt.Language
	Options  RequestOptions
}

type Options struct {
	Backend          Backend
	PollInterval     time.Duration
	GenerateTimeout  time.Duration
	InterruptTimeout time.Duration
	// BaseContext parents every episode. Cancelling it aborts whatever is in flight.
	BaseContext context.Context
	// OnUpdate receives the current status after every transition and every
	// applied progress report. It must not call Start, Cancel or Reset.
	OnUpdate func(Status)
	Logger   *slog.Logger
}

// Episode is one generation attempt. Done closes once its request and its
// poller have both returned.
type Episode struct {
	ID string

	ctx        context.Context
	cancel     context.CancelFunc
	pollerDone chan struct{}
	done       chan struct{}
}

func (e *Episode) Done() <-chan struct{} {
	return e.done
}

type Controller struct {
	backend          Backend
	pollInterval     time.Duration
	generateTimeout  time.Duration
	interruptTimeout time.Duration
	base             context.Context
	onUpdate         func(Status)
	logger           *slog.Logger

	notifyMu sync.Mutex

	mu        sync.Mutex
	state     State
	episode   *Episode
	stopping  *Episode
	prompt    string
	progress  Snapshot
	image     *backend.Image
	err       error
	updatedAt time.Time
}

func New(opts Options) *Controller {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 700 * time.Millisecond
	}
	genTimeout := opts.GenerateTimeout
	if genTimeout <= 0 {
		genTimeout = 5 * time.Minute
	}
	intTimeout := opts.InterruptTimeout
	if intTimeout <= 0 {
		intTimeout = 5 * time.Second
	}
	base := opts.BaseContext
	if base == nil {
		base = context.Background()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Controller{
		backend:          opts.Backend,
		pollInterval:     poll,
		generateTimeout:  genTimeout,
		interruptTimeout: intTimeout,
		base:             base,
		onUpdate:         opts.OnUpdate,
		logger:           logger,
		updatedAt:        time.Now(),
	}
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Start composes the prompt for a and launches the generation in the
// background. A terminal controller is re-armed first. Validation failures
// leave the controller Idle and are returned as *prompt.ValidationError.
func (c *Controller) Start(a Attempt) (*Episode, error) {
	c.mu.Lock()
	if c.state.Busy() || c.draining() {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	if c.backend == nil {
		c.mu.Unlock()
		return nil, errors.New("generation backend is not configured")
	}
	if c.state.Terminal() {
		c.resetLocked()
	}

	c.transitionLocked(Composing)
	c.err = nil
	text, err := prompt.ComposeFor(a.Style, a.Values, a.Notes, a.Language)
	if err != nil {
		c.prompt = ""
		c.err = err
		c.transitionLocked(Idle)
		c.mu.Unlock()
		c.notify()
		return nil, err
	}
	c.prompt = text

	ctx, cancel := context.WithTimeout(c.base, c.generateTimeout)
	ep := &Episode{
		ID:         uuid.NewString(),
		ctx:        ctx,
		cancel:     cancel,
		pollerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	c.episode = ep
	c.progress = Snapshot{}
	c.transitionLocked(Requesting)

	req := backend.GenerateRequest{
		Prompt:         text,
		AspectRatio:    a.Options.AspectRatio,
		NumberOfImages: a.Options.NumberOfImages,
		MimeType:       a.Options.MimeType,
		AllowPeople:    a.Options.AllowPeople,
	}

	go c.poll(ep)
	c.transitionLocked(Active)
	go c.run(ep, req)
	c.mu.Unlock()

	c.logger.Info("generation started", "episode", ep.ID, "style", a.Style)
	c.notify()
	return ep, nil
}

// Cancel stops the current attempt. It reports false when nothing was in
// flight. The local request is aborted before the backend is interrupted, and
// Start stays refused until the interrupt was sent and the aborted request
// returned, so a late interrupt never lands on a newer job.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	if c.state != Requesting && c.state != Active {
		c.mu.Unlock()
		return false
	}
	ep := c.episode
	c.stopping = ep
	c.progress = Snapshot{}
	c.image = nil
	c.err = nil
	c.transitionLocked(Cancelled)
	c.mu.Unlock()
	c.notify()

	c.logger.Info("generation cancelled", "episode", ep.ID)
	ep.cancel()

	ictx, icancel := context.WithTimeout(context.WithoutCancel(c.base), c.interruptTimeout)
	defer icancel()
	if err := c.backend.Interrupt(ictx); err != nil {
		c.logger.Warn("interrupt failed", "episode", ep.ID, "err", err)
	}

	select {
	case <-ep.done:
	case <-ictx.Done():
		c.logger.Warn("aborted request still running", "episode", ep.ID)
	}

	c.mu.Lock()
	if c.stopping == ep {
		c.stopping = nil
	}
	c.mu.Unlock()
	return true
}

// Reset re-arms a settled controller to Idle.
func (c *Controller) Reset() error {
	c.mu.Lock()
	if c.state.Busy() || c.draining() {
		c.mu.Unlock()
		return ErrBusy
	}
	c.resetLocked()
	c.prompt = ""
	c.mu.Unlock()
	c.notify()
	return nil
}

// Wait blocks until the current episode settles or ctx ends.
func (c *Controller) Wait(ctx context.Context) (Status, error) {
	c.mu.Lock()
	ep := c.episode
	c.mu.Unlock()

	if ep != nil {
		select {
		case <-ep.done:
		case <-ctx.Done():
			return c.Status(), ctx.Err()
		}
	}
	return c.Status(), nil
}

func (c *Controller) run(ep *Episode, req backend.GenerateRequest) {
	img, err := c.backend.Generate(ep.ctx, req)
	c.finish(ep, img, err)

	ep.cancel()
	<-ep.pollerDone
	close(ep.done)
}

func (c *Controller) finish(ep *Episode, img backend.Image, err error) {
	c.mu.Lock()
	if c.episode != ep || c.state != Active {
		c.mu.Unlock()
		return
	}

	c.progress = Snapshot{}
	switch {
	case err == nil:
		c.image = &img
		c.transitionLocked(Succeeded)
	case errors.Is(err, context.Canceled):
		c.transitionLocked(Cancelled)
	default:
		c.err = &GenerationError{EpisodeID: ep.ID, Err: err}
		c.transitionLocked(Failed)
	}
	state := c.state
	c.mu.Unlock()

	if err != nil && state == Failed {
		c.logger.Error("generation failed", "episode", ep.ID, "err", err)
	} else {
		c.logger.Info("generation settled", "episode", ep.ID, "state", state.String())
	}
	c.notify()
}

// draining reports whether a cancelled episode is still winding down.
func (c *Controller) draining() bool {
	if c.stopping != nil {
		return true
	}
	if c.state != Cancelled || c.episode == nil {
		return false
	}
	select {
	case <-c.episode.done:
		return false
	default:
		return true
	}
}

func (c *Controller) resetLocked() {
	c.episode = nil
	c.progress = Snapshot{}
	c.image = nil
	c.err = nil
	c.transitionLocked(Idle)
}

func (c *Controller) transitionLocked(s State) {
	c.state = s
	c.updatedAt = time.Now()
}

func (c *Controller) statusLocked() Status {
	st := Status{
		State:     c.state,
		Prompt:    c.prompt,
		Progress:  c.progress,
		Err:       c.err,
		UpdatedAt: c.updatedAt,
	}
	if c.episode != nil {
		st.EpisodeID = c.episode.ID
	}
	if c.image != nil {
		img := *c.image
		st.Image = &img
	}
	if c.progress.ETASeconds != nil {
		eta := *c.progress.ETASeconds
		st.Progress.ETASeconds = &eta
	}
	return st
}

// notify delivers the status as of delivery time; deliveries never overlap.
func (c *Controller) notify() {
	if c.onUpdate == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.onUpdate(c.Status())
}
