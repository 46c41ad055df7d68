package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/teranos/aggregator/am"
	"github.com/teranos/aggregator/errors"
	"github.com/teranos/aggregator/internal/httpclient"
	"github.com/teranos/aggregator/logger"
	"github.com/teranos/aggregator/version"
)

// startRequest is the body POSTed to the engine.
type startRequest struct {
	ExecutionID    string `json:"execution_id"`
	Query          string `json:"query"`
	QueryHash      string `json:"query_hash"`
	Rules          string `json:"rules"`
	Type           string `json:"type"`
	From           int64  `json:"from"`
	To             int64  `json:"to"`
	WidthMS        int64  `json:"width"`
	RegisteredBy   string `json:"registered_by,omitempty"`
	SolidServerURL string `json:"solid_server_url,omitempty"`
}

type startResponse struct {
	Accepted      bool   `json:"accepted"`
	EngineVersion string `json:"engine_version"`
	Message       string `json:"message"`
}

// Launcher starts executions on a remote engine over HTTP.
type Launcher struct {
	tracker

	url        string
	solidURL   string
	client     *httpclient.Client
	constraint *semver.Constraints
	logger     *zap.SugaredLogger
	clock      func() time.Time
}

// NewLauncher builds a launcher from engine configuration. cfg.URL must be set.
func NewLauncher(cfg am.EngineConfig, log *zap.SugaredLogger) (*Launcher, error) {
	if cfg.URL == "" {
		return nil, errors.WithHint(errors.New("engine url is empty"), "set engine.url or use the local executor")
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := httpclient.New(timeout, httpclient.Options{
		AllowPrivateNetwork: cfg.AllowPrivateNetwork,
		UserAgent:           "aggregator/" + version.Short(),
	})
	return newLauncher(cfg, client, log)
}

func newLauncher(cfg am.EngineConfig, client *httpclient.Client, log *zap.SugaredLogger) (*Launcher, error) {
	if log == nil {
		log = logger.ComponentLogger("launcher")
	}
	if _, err := client.ValidateURL(cfg.URL); err != nil {
		return nil, errors.Wrapf(err, "engine url %s", cfg.URL)
	}

	l := &Launcher{
		tracker:  newTracker(),
		url:      cfg.URL,
		solidURL: cfg.SolidServerURL,
		client:   client,
		logger:   log,
		clock:    time.Now,
	}
	if cfg.VersionConstraint != "" {
		c, err := semver.NewConstraint(cfg.VersionConstraint)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid engine version constraint %q", cfg.VersionConstraint)
		}
		l.constraint = c
	}
	return l, nil
}

// Start POSTs the execution request. Any failure, including an engine whose
// version does not satisfy the configured constraint, is marked ErrExecutionStart.
func (l *Launcher) Start(ctx context.Context, req Request) (Execution, error) {
	exec := Execution{
		ID:          NewID(),
		Fingerprint: req.Query.Fingerprint,
		Type:        req.Type,
		StartedAt:   l.clock(),
	}

	body := startRequest{
		ExecutionID:    exec.ID,
		Query:          req.Query.Raw,
		QueryHash:      req.Query.Fingerprint.String(),
		Rules:          req.Rules,
		Type:           req.Type,
		From:           req.From.UnixMilli(),
		To:             req.To.UnixMilli(),
		WidthMS:        req.Query.Window.Width.Milliseconds(),
		RegisteredBy:   req.RegisteredBy,
		SolidServerURL: l.solidURL,
	}

	var resp startResponse
	if err := l.client.PostJSON(ctx, l.url, body, &resp); err != nil {
		return Execution{}, l.startError(err, exec)
	}
	if !resp.Accepted {
		return Execution{}, l.startError(errors.Newf("engine declined: %s", resp.Message), exec)
	}
	if err := l.checkVersion(resp.EngineVersion); err != nil {
		return Execution{}, l.startError(err, exec)
	}
	exec.EngineVersion = resp.EngineVersion

	l.add(exec)
	l.logger.Infow("Execution started",
		logger.FieldExecutionID, exec.ID,
		logger.FieldFingerprint, exec.Fingerprint.String(),
		logger.FieldQueryType, exec.Type,
		"engine_version", exec.EngineVersion)
	return exec, nil
}

func (l *Launcher) checkVersion(v string) error {
	if l.constraint == nil {
		return nil
	}
	if v == "" {
		return errors.Newf("engine did not report a version (required %s)", l.constraint)
	}
	sv, err := semver.NewVersion(v)
	if err != nil {
		return errors.Wrapf(err, "engine reported unparseable version %q", v)
	}
	if !l.constraint.Check(sv) {
		return errors.Newf("engine version %s does not satisfy %s", sv, l.constraint)
	}
	return nil
}

func (l *Launcher) startError(err error, exec Execution) error {
	err = errors.Mark(errors.Wrap(err, "start execution"), errors.ErrExecutionStart)
	return errors.WithDetail(err, fmt.Sprintf("Execution ID: %s, Fingerprint: %s", exec.ID, exec.Fingerprint))
}
