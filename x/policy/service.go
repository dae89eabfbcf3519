// Package policy scans the stored policies against one request and produces
// the final access decision. The scan is sequential in ascending
// (priority, id) order and the first deny ends it; evaluation faults of any
// kind turn into denials, never into allows.
package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"golang.org/x/exp/slices"

	"github.com/totegamma/clearance/core"
)

var tracer = otel.Tracer("policy")

var (
	evaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clr_policy_evaluations_total",
			Help: "Total number of access evaluations by verdict and code",
		},
		[]string{"verdict", "code"},
	)
	policiesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "clr_policy_active",
			Help: "Number of active policies in the last loaded snapshot",
		},
	)
)

func init() {
	prometheus.MustRegister(evaluationsTotal)
	prometheus.MustRegister(policiesActive)
}

type engineRunner func(ctx context.Context, policy core.Policy, rctx core.RequestContext) core.AccessDecision

type service struct {
	repository Repository
	sandbox    core.SandboxService
	audit      core.AuditService
	config     core.Config
	patterns   *ristretto.Cache
	runners    map[core.EngineType]engineRunner
}

// NewService creates a new policy service
func NewService(repository Repository, sandbox core.SandboxService, audit core.AuditService, config core.Config) core.PolicyService {
	patterns, _ := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1024,
		MaxCost:     256,
		BufferItems: 64,
	})

	s := &service{
		repository: repository,
		sandbox:    sandbox,
		audit:      audit,
		config:     config,
		patterns:   patterns,
	}

	// the engine dispatch table is closed at construction; a stored policy
	// can only ever select one of these
	s.runners = map[core.EngineType]engineRunner{
		core.EngineAllow:  s.runAllow,
		core.EngineDeny:   s.runDeny,
		core.EngineScript: s.runScript,
	}

	return s
}

// Evaluate runs the full scan for one request and always returns a decision.
func (s *service) Evaluate(ctx context.Context, rctx core.RequestContext) core.AccessDecision {
	ctx, span := tracer.Start(ctx, "Policy.Service.Evaluate")
	defer span.End()

	started := time.Now()

	policies, err := s.repository.FindApplicable(ctx)
	if err != nil {
		span.RecordError(err)
		var misconfigured core.ErrorConfiguration
		if errors.As(err, &misconfigured) {
			return s.emit(ctx, rctx, core.Denied(core.CodePolicyConfig, misconfigured.Reason), nil, started)
		}
		return s.emit(ctx, rctx, core.Denied(core.CodeStoreUnavailable, "policy store is unavailable"), nil, started)
	}

	policiesActive.Set(float64(len(policies)))

	slices.SortStableFunc(policies, func(a, b core.Policy) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return strings.Compare(a.ID, b.ID)
	})

	scanned := []string{}
	var allowed core.AccessDecision
	haveAllow := false

	for _, policy := range policies {
		match, err := s.Matches(ctx, policy.Matcher, rctx)
		if err != nil {
			// a matcher we cannot evaluate might have matched, so the
			// policy cannot be skipped
			span.RecordError(err)
			decision := core.DeniedBy(policy.ID, core.CodePolicyConfig, "policy matcher is misconfigured")
			return s.emit(ctx, rctx, decision, scanned, started)
		}
		if !match {
			continue
		}

		scanned = append(scanned, policy.ID)

		runner, ok := s.runners[policy.Engine.Type]
		if !ok {
			decision := core.DeniedBy(policy.ID, core.CodePolicyConfig, fmt.Sprintf("unknown engine type %s", policy.Engine.Type))
			return s.emit(ctx, rctx, decision, scanned, started)
		}

		decision := runner(ctx, policy, rctx)

		switch decision.Verdict {
		case core.VerdictDeny:
			return s.emit(ctx, rctx, decision, scanned, started)
		case core.VerdictAllow:
			if !haveAllow {
				allowed = decision
				haveAllow = true
			}
		}
	}

	if haveAllow {
		return s.emit(ctx, rctx, allowed, scanned, started)
	}

	return s.emit(ctx, rctx, core.Denied(core.CodeNoMatchingPolicy, "no policy allowed the request"), scanned, started)
}

func (s *service) runAllow(ctx context.Context, policy core.Policy, rctx core.RequestContext) core.AccessDecision {
	return core.AllowedBy(policy.ID)
}

func (s *service) runDeny(ctx context.Context, policy core.Policy, rctx core.RequestContext) core.AccessDecision {
	message := policy.DenyMessage
	if message == "" {
		message = "request denied by policy"
	}
	return core.DeniedBy(policy.ID, core.CodePolicyDenied, message)
}

func (s *service) runScript(ctx context.Context, policy core.Policy, rctx core.RequestContext) core.AccessDecision {
	decision := s.sandbox.Execute(ctx, policy.Engine, rctx)
	decision.PolicyID = policy.ID
	if decision.Verdict == core.VerdictDeny && decision.Message == "" {
		decision.Message = policy.DenyMessage
	}
	return decision
}

// emit counts the decision, hands it to the audit trail, and passes it back
func (s *service) emit(ctx context.Context, rctx core.RequestContext, decision core.AccessDecision, scanned []string, started time.Time) core.AccessDecision {
	evaluationsTotal.WithLabelValues(string(decision.Verdict), decision.Code).Inc()

	s.audit.Record(ctx, core.DecisionEvent{
		RequestID:    rctx.RequestID,
		Subject:      rctx.Subject,
		ClientID:     rctx.ClientID,
		Operation:    rctx.Operation,
		ResourceType: rctx.ResourceType,
		ResourceID:   rctx.ResourceID,
		Verdict:      decision.Verdict,
		Code:         decision.Code,
		PolicyID:     decision.PolicyID,
		Scanned:      scanned,
		DurationUS:   time.Since(started).Microseconds(),
		DecidedAt:    time.Now(),
	})

	return decision
}

// RefreshSnapshot drops the cached policy snapshot and loads a fresh one.
func (s *service) RefreshSnapshot(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Policy.Service.RefreshSnapshot")
	defer span.End()

	err := s.repository.InvalidateSnapshot(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}

	_, err = s.repository.FindApplicable(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}

	return nil
}

func (s *service) Count(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "Policy.Service.Count")
	defer span.End()

	return s.repository.Count(ctx)
}
