// Package browser is a shared-session module: one headless browser is opened
// per target and every unit of that target is navigated inside it. The session
// stops starting new pages once the soft deadline has passed.
package browser

import (
	"context"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/forage/errors"
	"github.com/teranos/forage/internal/httpclient"
	"github.com/teranos/forage/logger"
	"github.com/teranos/forage/modules/linkcrawl"
	"github.com/teranos/forage/pulse/task"
)

// Name is the module name targets refer to.
const Name = "browser"

// Rendered is a page after scripts ran.
type Rendered struct {
	URL    *url.URL // final location
	Status int      // document status, 0 when unknown
	HTML   string
}

// Renderer drives one browser. It is owned by a single session.
type Renderer interface {
	Render(ctx context.Context, raw string) (*Rendered, error)
	Close() error
}

// OpenFunc starts a renderer for a new session.
type OpenFunc func(ctx context.Context) (Renderer, error)

// Config tunes the module.
type Config struct {
	PageTimeout     time.Duration // per navigation, capped by the soft deadline
	MaxLinksPerPage int
	HardTimeout     time.Duration // whole-session envelope timeout, zero = envelope default
	SafetyMargin    time.Duration
}

// DefaultConfig returns the defaults used by the worker command.
func DefaultConfig() Config {
	return Config{
		PageTimeout:     45 * time.Second,
		MaxLinksPerPage: 200,
		HardTimeout:     15 * time.Minute,
		SafetyMargin:    2 * time.Minute,
	}
}

// New builds the module. open is called once per target.
func New(open OpenFunc, cfg Config, log *zap.SugaredLogger) *task.Module {
	if log == nil {
		log = logger.Logger
	}
	log = log.Named(Name)
	return &task.Module{
		Name: Name,
		OpenSession: func(ctx context.Context, seed string) (task.Session, error) {
			r, err := open(ctx)
			if err != nil {
				return nil, errors.Wrap(err, "failed to start browser")
			}
			log.Debugw("Browser session opened", logger.FieldUnit, seed)
			return &session{renderer: r, cfg: cfg, logger: log}, nil
		},
		HardTimeout:  cfg.HardTimeout,
		SafetyMargin: cfg.SafetyMargin,
	}
}

type session struct {
	renderer Renderer
	cfg      Config
	logger   *zap.SugaredLogger
	pages    int
}

func (s *session) Run(ctx context.Context, u task.Unit, deadline task.Deadline) (*task.Result, error) {
	if deadline.Expired() {
		return &task.Result{Partial: true}, nil
	}

	timeout := s.cfg.PageTimeout
	if rem := deadline.Remaining(); timeout <= 0 || rem < timeout {
		timeout = rem
	}
	pageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	page, err := s.renderer.Render(pageCtx, u.Key)
	if err != nil {
		return nil, err
	}
	s.pages++
	if page.Status >= 400 {
		err := &httpclient.StatusError{URL: u.Key, Status: page.Status}
		if page.Status == 404 || page.Status == 410 {
			return nil, task.NoRetry(err)
		}
		return nil, err
	}

	final := page.URL
	if final == nil {
		if final, err = url.Parse(u.Key); err != nil {
			return nil, task.NoRetry(errors.Wrap(err, "invalid unit URL"))
		}
	}
	info, err := linkcrawl.ExtractPage(final, strings.NewReader(page.HTML), s.cfg.MaxLinksPerPage)
	if err != nil {
		return nil, task.NoRetry(err)
	}
	return linkcrawl.BuildResult(final, info, Name), nil
}

func (s *session) Close() error {
	s.logger.Debugw("Browser session closed", logger.FieldCount, s.pages)
	return s.renderer.Close()
}
