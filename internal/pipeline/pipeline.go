// Package pipeline is the single entry point for mediated tool calls.
//
// Every call runs the same fixed sequence: request and path validation,
// authorization, resource acquisition, sandboxed execution, audit, then
// release. A failing stage short-circuits the rest, except the audit record
// which is written exactly once per run, denials included.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/toolgate/internal/access"
	"github.com/jkaninda/toolgate/internal/audit"
	"github.com/jkaninda/toolgate/internal/observability"
	"github.com/jkaninda/toolgate/internal/pathguard"
	"github.com/jkaninda/toolgate/internal/ratelimit"
	"github.com/jkaninda/toolgate/internal/sandbox"
	"github.com/jkaninda/toolgate/internal/security"
	"github.com/jkaninda/toolgate/internal/tools"
)

// unknownTool labels metrics for ids that are not registered, so callers
// cannot grow label cardinality.
const unknownTool = "unknown"

// Call is one tool call with an already resolved security context.
type Call struct {
	ToolID  string
	Params  map[string]any
	Context security.Context
}

// Deps are the collaborators of a Pipeline. Registry, Validator, Access,
// Limiter and Sandbox are required.
type Deps struct {
	Registry  *tools.Registry
	Validator *pathguard.Validator
	Access    *access.Controller
	Limiter   *ratelimit.ResourceLimiter
	Sandbox   *sandbox.Enforcer

	// Supervisor runs tools when the sandbox config asks for process
	// isolation. Without one, such tools are refused.
	Supervisor *sandbox.Supervisor

	// Audit receives one event per run. Nil means an audit logger with no sinks.
	Audit   *audit.Logger
	Anomaly *observability.AnomalyDetector
	Metrics *observability.MetricsCollector
	Tracer  trace.Tracer
	Logger  *slog.Logger

	// OnTransition, when set, sees every state a run enters, in order.
	OnTransition func(call Call, s State)
	Clock        func() time.Time
}

// Pipeline mediates tool calls. Safe for concurrent use.
type Pipeline struct {
	registry   *tools.Registry
	validator  *pathguard.Validator
	access     *access.Controller
	limiter    *ratelimit.ResourceLimiter
	sandbox    *sandbox.Enforcer
	supervisor *sandbox.Supervisor
	audit      *audit.Logger
	anomaly    *observability.AnomalyDetector
	metrics    *observability.MetricsCollector
	tracer     trace.Tracer
	logger     *slog.Logger
	onState    func(Call, State)
	now        func() time.Time
}

// New builds a pipeline from d.
func New(d Deps) (*Pipeline, error) {
	if d.Registry == nil || d.Validator == nil || d.Access == nil || d.Limiter == nil || d.Sandbox == nil {
		return nil, errors.New("pipeline: registry, validator, access controller, limiter and sandbox enforcer are required")
	}
	p := &Pipeline{
		registry:   d.Registry,
		validator:  d.Validator,
		access:     d.Access,
		limiter:    d.Limiter,
		sandbox:    d.Sandbox,
		supervisor: d.Supervisor,
		audit:      d.Audit,
		anomaly:    d.Anomaly,
		metrics:    d.Metrics,
		tracer:     d.Tracer,
		logger:     d.Logger,
		onState:    d.OnTransition,
		now:        d.Clock,
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if p.audit == nil {
		p.audit = audit.NewLogger(p.logger, nil)
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// Registry returns the tools the pipeline mediates.
func (p *Pipeline) Registry() *tools.Registry { return p.registry }

// Sandbox returns the enforcer describing each tool's isolation.
func (p *Pipeline) Sandbox() *sandbox.Enforcer { return p.sandbox }

// run is the mutable state of a single Invoke.
type run struct {
	call      Call
	state     State
	start     time.Time
	reg       *tools.Registration
	target    tools.Target
	canonical string
	permit    *ratelimit.Permit
	result    *tools.Result
	err       *security.Error
	escalated bool

	usage   float64 // limit usage as the call arrived, before its own permit
	sampled bool
}

func (r *run) error() error {
	if r.err == nil {
		return nil
	}
	return r.err
}

// Invoke mediates call and always returns a response. Policy failures are
// reported in the response, never as panics; a panicking tool is a Failed run.
func (p *Pipeline) Invoke(ctx context.Context, call Call) *Response {
	return p.invoke(ctx, call, nil)
}

// InvokeJSON decodes a wire request, binds it to principal and invokes it.
// Malformed requests are denied and audited like any other denial.
func (p *Pipeline) InvokeJSON(ctx context.Context, principal security.Context, data []byte) *Response {
	req, err := DecodeRequest(data)
	if err != nil {
		return p.invoke(ctx, Call{ToolID: peekToolID(data), Context: principal}, err)
	}
	sc, err := req.Resolve(principal)
	if err != nil {
		return p.invoke(ctx, req.Call(principal), err)
	}
	return p.invoke(ctx, req.Call(sc), nil)
}

func (p *Pipeline) invoke(ctx context.Context, call Call, rejected error) (resp *Response) {
	r := &run{call: call, start: p.now()}
	p.enter(r, StateReceived)

	exit := p.metrics.Enter()
	ctx, end := observability.StartStage(ctx, p.tracer, "invoke",
		attribute.String("tool.id", call.ToolID),
		attribute.String("user.id", call.Context.UserID),
	)
	defer func() {
		r.permit.Release()
		p.enter(r, StateTerminal)
		exit()
		end(r.error())
	}()
	defer func() { resp = p.finish(ctx, r) }()

	err := rejected
	if err == nil {
		err = p.mediate(ctx, r)
	}
	if err != nil {
		r.err = security.AsError(err)
	}
	return nil
}

func (p *Pipeline) mediate(ctx context.Context, r *run) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.ErrorContext(ctx, "panic while mediating tool call",
				slog.String("tool_id", r.call.ToolID),
				slog.Any("panic", rec),
			)
			err = security.NewError(security.CodeExecutionFailed, "internal error while handling %s", r.call.ToolID)
		}
	}()

	call := r.call
	if err := call.Context.Validate(); err != nil {
		return err
	}
	r.reg = p.registry.Get(call.ToolID)
	if r.reg == nil {
		return security.NewError(security.CodeToolNotFound, "no tool named %q", call.ToolID).
			WithDetail("tool_id", call.ToolID)
	}

	if err := p.validate(ctx, r); err != nil {
		return err
	}
	p.enter(r, StateValidated)

	if err := p.authorize(ctx, r); err != nil {
		return err
	}
	p.enter(r, StateAuthorized)

	permit, err := p.acquire(ctx, r)
	if err != nil {
		return err
	}
	r.permit = permit
	p.enter(r, StateResourceAcquired)

	sb, err := p.sandbox.Describe(call.ToolID)
	if err != nil {
		return security.NewError(security.CodeExecutionFailed, "no sandbox policy for %s", call.ToolID).WithCause(err)
	}
	p.enter(r, StateExecuting)

	res, err := p.execute(ctx, r, sb)
	if err != nil {
		return err
	}
	if res == nil || !res.Success {
		return security.NewError(security.CodeExecutionFailed, "%s reported failure", call.ToolID)
	}
	r.result = res
	return nil
}

func (p *Pipeline) validate(ctx context.Context, r *run) (err error) {
	_, end := observability.StartStage(ctx, p.tracer, "validate")
	defer func() { end(err) }()

	if err := r.reg.ValidateParams(r.call.Params); err != nil {
		return err
	}
	target, err := r.reg.Tool.Target(r.call.Params)
	if err != nil {
		return err
	}
	r.target = target

	canonical, err := p.validator.Validate(target.Path)
	if err != nil {
		return err
	}
	r.canonical = canonical
	return nil
}

func (p *Pipeline) authorize(ctx context.Context, r *run) (err error) {
	_, end := observability.StartStage(ctx, p.tracer, "authorize",
		attribute.String("operation", r.target.Operation.String()),
	)
	defer func() { end(err) }()
	return p.access.CheckAccess(r.canonical, r.target.Operation, r.call.Context)
}

func (p *Pipeline) acquire(ctx context.Context, r *run) (permit *ratelimit.Permit, err error) {
	ctx, end := observability.StartStage(ctx, p.tracer, "acquire")
	defer func() { end(err) }()
	r.usage = p.limiter.Usage(r.call.ToolID, r.call.Context.UserID).Max()
	r.sampled = true
	return p.limiter.Acquire(ctx, r.call.ToolID, r.call.Context.UserID)
}

func (p *Pipeline) execute(ctx context.Context, r *run, sb sandbox.Config) (res *tools.Result, err error) {
	ctx, end := observability.StartStage(ctx, p.tracer, "execute",
		attribute.Bool("sandbox.process_isolation", sb.ProcessIsolation),
	)
	defer func() { end(err) }()

	inv := tools.Invocation{
		Path:   r.canonical,
		Params: r.call.Params,
		Limits: r.reg.Limits,
		Skip:   p.validator.IsBlocked,
	}
	ctx = tools.ContextWithUserID(ctx, r.call.Context.UserID)

	if sb.ProcessIsolation {
		if p.supervisor == nil {
			return nil, security.NewError(security.CodeExecutionFailed,
				"process isolation is enabled but no supervisor is configured")
		}
		return p.runIsolated(ctx, sb, inv)
	}
	return ratelimit.Run(ctx, inv.Limits.MaxExecutionTime, func(ctx context.Context) (*tools.Result, error) {
		return r.reg.Tool.Execute(ctx, inv)
	})
}

func (p *Pipeline) runIsolated(ctx context.Context, sb sandbox.Config, inv tools.Invocation) (*tools.Result, error) {
	if inv.Limits.MaxExecutionTime > 0 {
		sb.Timeout = inv.Limits.MaxExecutionTime
	}
	if inv.Limits.MaxMemoryMB > 0 {
		sb.Limits.MaxMemoryMB = inv.Limits.MaxMemoryMB
	}

	input, err := json.Marshal(IsolatedInput{Path: inv.Path, Params: inv.Params, Limits: inv.Limits})
	if err != nil {
		return nil, fmt.Errorf("encoding isolated input: %w", err)
	}
	raw, err := p.supervisor.Run(ctx, sb, input)
	if err != nil {
		return nil, err
	}
	var res tools.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, security.NewError(security.CodeExecutionFailed,
			"isolated %s returned an unreadable result", sb.ToolID).WithCause(err)
	}
	return &res, nil
}

// finish records the single audit event of r and builds the response.
func (p *Pipeline) finish(ctx context.Context, r *run) *Response {
	final := outcome(r.state, r.error())
	if final == StateDenied && countsAsDenial(r.err) {
		key := r.call.Context.SessionKey()
		if p.anomaly.RecordDenial(key) {
			n := p.anomaly.Denials(key)
			r.escalated = true
			r.err = security.NewError(security.CodeSecurityViolation,
				"%d denied calls from this session within the detection window", n).
				WithCause(r.err).
				WithDetail("denials", n).
				WithDetail("denied_code", string(r.err.Code))
		}
	}
	p.enter(r, final)

	elapsed := p.now().Sub(r.start)
	ev := p.audit.Log(ctx, p.event(r, final, elapsed))
	p.enter(r, StateAudited)

	label := unknownTool
	if r.reg != nil {
		label = r.call.ToolID
	}
	p.metrics.ObserveInvocation(label, final.String(), elapsed)

	resp := &Response{
		DurationMS: elapsed.Milliseconds(),
		State:      final,
		Err:        r.err,
	}
	attrs := []any{
		slog.String("tool_id", r.call.ToolID),
		slog.String("user_id", r.call.Context.UserID),
		slog.String("audit_id", ev.ID),
		slog.String("risk", ev.Risk.String()),
		slog.Int64("duration_ms", resp.DurationMS),
	}

	switch final {
	case StateCompleted:
		resp.Status = "success"
		resp.Data = r.result.Data
		resp.Metadata = r.result.Metadata
		resp.SecurityContext = &GrantInfo{AccessGranted: true, AuditID: ev.ID}
		p.logger.InfoContext(ctx, "tool call completed", attrs...)
	case StateFailed:
		resp.Error = errorBody(r.err, r.call.Context.TrustLevel, ev.ID)
		p.logger.ErrorContext(ctx, "tool call failed", append(attrs,
			slog.String("code", string(r.err.Code)),
			slog.String("error", r.err.Error()),
		)...)
	default:
		p.metrics.RecordDenial(label, string(r.err.Code))
		resp.Error = errorBody(r.err, r.call.Context.TrustLevel, ev.ID)
		p.logger.WarnContext(ctx, "tool call denied", append(attrs,
			slog.String("code", string(r.err.Code)),
			slog.String("error", r.err.Error()),
		)...)
	}
	return resp
}

func (p *Pipeline) event(r *run, final State, elapsed time.Duration) audit.Event {
	evType := audit.EventCompleted
	switch {
	case r.escalated || (r.err != nil && r.err.Code == security.CodeSecurityViolation):
		evType = audit.EventSecurityViolation
	case final == StateDenied:
		evType = audit.EventDenied
	case final == StateFailed:
		evType = audit.EventFailed
	}

	details := map[string]any{
		"state":       final.String(),
		"duration_ms": elapsed.Milliseconds(),
	}
	if r.target.Path != "" {
		details["path"] = r.target.Path
		details["operation"] = r.target.Operation.String()
	}
	if r.canonical != "" {
		details["canonical_path"] = r.canonical
	}
	if r.err != nil {
		details["error_code"] = string(r.err.Code)
		details["error"] = r.err.Message
		if len(r.err.Details) > 0 {
			details["error_details"] = r.err.Details
		}
	}
	if r.result != nil && len(r.result.Metadata) > 0 {
		details["result"] = r.result.Metadata
	}

	usage := r.usage
	if !r.sampled && r.reg != nil {
		usage = p.limiter.Usage(r.call.ToolID, r.call.Context.UserID).Max()
	}
	risk := audit.AssessRisk(audit.RiskInput{
		Type:      evType,
		Sensitive: p.sensitive(r),
		Recursive: r.target.Operation.Kind == access.OpRecursiveList,
		Depth:     r.target.Operation.Depth,
		Usage:     usage,
		Escalated: r.escalated,
	})

	return audit.Event{
		ToolID:  r.call.ToolID,
		Type:    evType,
		Context: audit.Redact(r.call.Context),
		Details: details,
		Risk:    risk,
	}
}

// sensitive checks the canonical path, or the raw path when validation
// stopped before resolving it.
func (p *Pipeline) sensitive(r *run) bool {
	switch {
	case r.canonical != "":
		return p.access.Sensitive(r.canonical)
	case filepath.IsAbs(r.target.Path):
		return p.access.Sensitive(filepath.Clean(r.target.Path))
	default:
		return false
	}
}

func (p *Pipeline) enter(r *run, s State) {
	r.state = s
	if p.onState != nil {
		p.onState(r.call, s)
	}
}

// countsAsDenial reports whether e feeds repeated-denial detection.
// Resource exhaustion is load, not hostility.
func countsAsDenial(e *security.Error) bool {
	switch e.Kind() {
	case security.KindInput, security.KindPolicy, security.KindViolation:
		return true
	}
	return false
}

// peekToolID pulls tool_id out of a request that failed validation.
func peekToolID(data []byte) string {
	var v struct {
		ToolID any `json:"tool_id"`
	}
	if json.Unmarshal(data, &v) != nil {
		return ""
	}
	s, _ := v.ToolID.(string)
	if len(s) > 128 {
		s = s[:128]
	}
	return s
}
