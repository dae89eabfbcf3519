// Package sandbox executes operator-supplied policy scripts under strict
// resource bounds. Scripts can never hang the caller and every fault
// resolves to a deny.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/totegamma/clearance/core"
)

var tracer = otel.Tracer("sandbox")

var (
	executionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clr_sandbox_executions_total",
		Help: "Total number of script executions",
	}, []string{"language", "verdict"})
	exhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clr_sandbox_pool_exhausted_total",
		Help: "Total number of executions rejected because no slot was free",
	})
)

func init() {
	prometheus.MustRegister(executionsTotal, exhaustedTotal)
}

// outcome is what a script produced, before it is shaped into a decision
type outcome struct {
	verdict core.Verdict
	reason  string
}

type service struct {
	config core.Config
	expr   *exprEngine
	js     *jsPool
}

// NewService creates a new sandbox service
func NewService(config core.Config) core.SandboxService {
	return &service{
		config: config,
		expr:   newExprEngine(config.Clearance.Sandbox),
		js:     newJsPool(config.Clearance.Sandbox),
	}
}

func (s *service) Execute(ctx context.Context, engine core.EngineSpec, rctx core.RequestContext) core.AccessDecision {
	ctx, span := tracer.Start(ctx, "Sandbox.Service.Execute")
	defer span.End()

	span.SetAttributes(attribute.String("language", string(engine.Language)))

	decision := s.execute(ctx, engine, rctx)

	executionsTotal.WithLabelValues(string(engine.Language), string(decision.Verdict)).Inc()
	if decision.Code == core.CodePoolExhausted {
		exhaustedTotal.Inc()
	}

	return decision
}

func (s *service) execute(ctx context.Context, engine core.EngineSpec, rctx core.RequestContext) core.AccessDecision {

	if engine.Script == "" {
		return core.Denied(core.CodePolicyConfig, "policy script is empty")
	}

	payload, err := json.Marshal(rctx)
	if err != nil {
		return core.Denied(core.CodeScriptError, "request context is not serializable")
	}
	if len(payload) > s.config.Clearance.Sandbox.ContextBytes() {
		return core.Denied(core.CodeScriptResource, "request context exceeds the size limit")
	}

	deadline := time.Now().Add(s.config.Clearance.Sandbox.Timeout())
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	var result outcome

	switch engine.Language {
	case core.LangExpr:
		result, err = s.expr.run(ctx, engine.Script, payload, rctx.Scopes, deadline)
	case core.LangJS:
		result, err = s.js.run(ctx, engine.Script, payload, deadline)
	default:
		return core.Denied(core.CodePolicyConfig, fmt.Sprintf("unknown script language %s", engine.Language))
	}

	if err != nil {
		return failClosed(err)
	}

	switch result.verdict {
	case core.VerdictAllow:
		return core.AccessDecision{Verdict: core.VerdictAllow}
	case core.VerdictDeny:
		return core.Denied(core.CodePolicyDenied, result.reason)
	}

	return core.Abstained()
}

// failClosed turns every engine fault into a deny, never an allow
func failClosed(err error) core.AccessDecision {
	var timeout core.ErrorScriptTimeout
	if errors.As(err, &timeout) {
		return core.Denied(core.CodeScriptTimeout, "script execution timed out")
	}

	var resource core.ErrorScriptResource
	if errors.As(err, &resource) {
		return core.Denied(core.CodeScriptResource, fmt.Sprintf("script exceeded its %s limit", resource.Kind))
	}

	var exhausted core.ErrorPoolExhausted
	if errors.As(err, &exhausted) {
		return core.Denied(core.CodePoolExhausted, "no interpreter slot became available in time")
	}

	var configuration core.ErrorConfiguration
	if errors.As(err, &configuration) {
		return core.Denied(core.CodePolicyConfig, configuration.Reason)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return core.Denied(core.CodeScriptTimeout, "evaluation deadline exceeded")
	}

	return core.Denied(core.CodeScriptError, err.Error())
}
