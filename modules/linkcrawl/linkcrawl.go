// Package linkcrawl is a per-unit module: each unit is one URL, fetched over
// HTTP and scanned for same-host links and contact details.
package linkcrawl

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/forage/errors"
	"github.com/teranos/forage/internal/httpclient"
	"github.com/teranos/forage/logger"
	"github.com/teranos/forage/pulse/entity"
	"github.com/teranos/forage/pulse/task"
)

// Name is the module name targets refer to.
const Name = "linkcrawl"

// Fetcher retrieves one page.
type Fetcher interface {
	Fetch(ctx context.Context, raw string) (*httpclient.Page, error)
}

// Config tunes the module.
type Config struct {
	MaxLinksPerPage int
	HardTimeout     time.Duration // zero = envelope default
	SafetyMargin    time.Duration
}

// DefaultConfig returns the defaults used by the worker command.
func DefaultConfig() Config {
	return Config{MaxLinksPerPage: 200}
}

type crawler struct {
	fetcher Fetcher
	cfg     Config
	logger  *zap.SugaredLogger
}

// New builds the module around fetcher.
func New(fetcher Fetcher, cfg Config, log *zap.SugaredLogger) *task.Module {
	if log == nil {
		log = logger.Logger
	}
	c := &crawler{fetcher: fetcher, cfg: cfg, logger: log.Named(Name)}
	return &task.Module{
		Name:         Name,
		Run:          c.run,
		HardTimeout:  cfg.HardTimeout,
		SafetyMargin: cfg.SafetyMargin,
	}
}

func (c *crawler) run(ctx context.Context, u task.Unit, _ task.Deadline) (*task.Result, error) {
	page, err := c.fetcher.Fetch(ctx, u.Key)
	if err != nil {
		var se *httpclient.StatusError
		if errors.As(err, &se) && permanent(se.Status) {
			return nil, task.NoRetry(err)
		}
		return nil, err
	}

	if !isHTML(page.ContentType) {
		c.logger.Debugw("Skipping non-HTML page", logger.FieldUnit, u.Key, "content_type", page.ContentType)
		return &task.Result{}, nil
	}

	info, err := ExtractPage(page.URL, bytes.NewReader(page.Body), c.cfg.MaxLinksPerPage)
	if err != nil {
		return nil, task.NoRetry(err)
	}

	return BuildResult(page.URL, info, Name), nil
}

// BuildResult turns an extracted page into a unit result: same-host links
// become pending units, contact details land in the accumulator and the site
// is staged as a business record when the page warrants it.
func BuildResult(page *url.URL, info *PageInfo, source string) *task.Result {
	res := &task.Result{NewPending: info.Links}
	res.Discovered.Keys = append(res.Discovered.Keys, info.Emails...)
	res.Discovered.Keys = append(res.Discovered.Keys, info.Phones...)
	if root(page) && info.Title != "" {
		res.Discovered.Attributes = map[string]string{"title": info.Title}
	}
	if cand, ok := candidateFor(page, info, source); ok {
		res.Candidates = append(res.Candidates, cand)
		res.RecordsCreated++
	}
	return res
}

// candidateFor stages the site as a business record when the page is the home
// page or carries contact details.
func candidateFor(u *url.URL, info *PageInfo, source string) (task.Candidate, bool) {
	if !root(u) && len(info.Emails) == 0 && len(info.Phones) == 0 {
		return task.Candidate{}, false
	}
	host := strings.ToLower(u.Hostname())
	site := u.Scheme + "://" + host
	f := entity.Fields{Website: &site}
	if root(u) {
		if info.Title != "" {
			f.Name = entity.Value(info.Title)
		}
		if info.Description != "" {
			f.Description = entity.Value(info.Description)
		}
	}
	if len(info.Emails) > 0 {
		f.Email = entity.Value(info.Emails[0])
	}
	if len(info.Phones) > 0 {
		f.Phone = entity.Value(info.Phones[0])
	}
	return task.Candidate{
		NaturalKey: host,
		Resource:   host,
		Source:     source,
		Fields:     f,
	}, true
}

// permanent reports statuses a retry cannot fix. Throttling and server-side
// errors are left to the quarantine breaker.
func permanent(status int) bool {
	switch status {
	case http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusUnavailableForLegalReasons:
		return false
	}
	return status >= 400 && status < 500
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func root(u *url.URL) bool {
	return u.Path == "" || u.Path == "/"
}
