// Package pipeline implements the three processing stages and the router
// that feeds them: interpret turns an observation into a stored event,
// escalate turns a neighborhood of events into candidate tasks, and
// allocate assigns each task to an agent execution queue.
//
// Each stage is a function of its input plus the shared store. Stages never
// panic past their boundary and report failures as typed errors.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/swarmops/internal/events"
	"github.com/ShayCichocki/swarmops/internal/mirror"
	"github.com/ShayCichocki/swarmops/internal/oracle"
	"github.com/ShayCichocki/swarmops/internal/prompt"
	"github.com/ShayCichocki/swarmops/internal/weather"
	"github.com/ShayCichocki/swarmops/pkg/models"
)

// Stage names, used in errors, logs, metrics and template lookup.
const (
	StageInterpret = "interpret"
	StageEscalate  = "escalate"
	StageAllocate  = "allocate"
)

// EscalationResponseKey holds the last raw escalation answer, for auditing.
const EscalationResponseKey = "escalation:response"

// Queue is where stages put their output.
type Queue interface {
	Enqueue(ctx context.Context, env models.Envelope) (string, error)
	Dispatch(ctx context.Context, agentType models.AgentType, body []byte) (string, error)
}

// AgentSource provides the registry snapshot used for allocation.
type AgentSource interface {
	Snapshot(ctx context.Context) ([]models.AgentRecord, error)
}

// Recorder receives stage counters.
type Recorder interface {
	OracleCall(stage, outcome string)
	Allocation(agentType string)
}

type nopRecorder struct{}

func (nopRecorder) OracleCall(string, string) {}
func (nopRecorder) Allocation(string)         {}

// RequiredConfig contains the dependencies every stage needs.
type RequiredConfig struct {
	// Store holds events, their geo index and the escalation audit key.
	Store events.Backend
	// Oracle answers every stage's request.
	Oracle oracle.Oracle
	// Prompts supplies the templates.
	Prompts prompt.Source
	// Queue receives escalate/allocate envelopes and dispatches.
	Queue Queue
	// Agents is read once per task during allocation.
	Agents AgentSource
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithNeighborRadius sets the neighbor search radius in kilometers.
func WithNeighborRadius(km float64) Option {
	return func(p *Pipeline) {
		if km > 0 {
			p.radiusKm = km
		}
	}
}

// WithWeather enables weather enrichment of interpretation requests.
func WithWeather(w weather.Provider) Option {
	return func(p *Pipeline) { p.weather = w }
}

// WithMirror pushes events and dispatches to a realtime database.
func WithMirror(m mirror.Mirror) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.mirror = m
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.recorder = r
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline holds the stage dependencies.
type Pipeline struct {
	store   events.Backend
	events  *events.Store
	oracle  oracle.Oracle
	prompts prompt.Source
	queue   Queue
	agents  AgentSource

	radiusKm float64
	weather  weather.Provider
	mirror   mirror.Mirror
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a Pipeline.
func New(cfg RequiredConfig, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:    cfg.Store,
		oracle:   cfg.Oracle,
		prompts:  cfg.Prompts,
		queue:    cfg.Queue,
		agents:   cfg.Agents,
		radiusKm: events.DefaultRadiusKm,
		mirror:   mirror.Nop{},
		recorder: nopRecorder{},
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("pipeline")
	p.events = events.New(cfg.Store, p.logger)
	return p
}

// template loads and renders a stage template.
func (p *Pipeline) template(stage, kind string, payload any) (string, error) {
	tmpl, err := p.prompts.Template(stage, kind)
	if err != nil {
		return "", &TemplateError{Stage: stage, Kind: kind, Err: err}
	}
	text, err := prompt.Render(tmpl, payload)
	if err != nil {
		return "", &TemplateError{Stage: stage, Kind: kind, Err: err}
	}
	return text, nil
}

// ask invokes the oracle and returns the JSON value in its answer.
func (p *Pipeline) ask(ctx context.Context, stage string, req oracle.Request) (oracle.Response, []byte, error) {
	resp, err := p.oracle.Invoke(ctx, req)
	if err != nil {
		p.recorder.OracleCall(stage, "error")
		return oracle.Response{}, nil, &OracleError{Stage: stage, Err: err}
	}
	raw, err := oracle.ExtractJSON(resp.Content)
	if err != nil {
		p.recorder.OracleCall(stage, "unparseable")
		return resp, nil, &OracleError{Stage: stage, Err: err}
	}
	p.recorder.OracleCall(stage, "ok")
	return resp, raw, nil
}

// push mirrors v without letting a mirror failure affect the stage.
func (p *Pipeline) push(ctx context.Context, path string, v any) {
	if err := p.mirror.Push(ctx, path, v); err != nil {
		p.logger.Warn("mirror push failed", zap.String("path", path), zap.Error(err))
	}
}
