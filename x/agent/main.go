// Package agent runs some scheduled tasks
package agent

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/totegamma/clearance/core"
)

var tracer = otel.Tracer("agent")

type agent struct {
	token  core.TokenService
	policy core.PolicyService
	config core.Config
}

// NewAgent creates a new agent
func NewAgent(
	token core.TokenService,
	policy core.PolicyService,
	config core.Config,
) core.AgentService {
	return &agent{
		token,
		policy,
		config,
	}
}

// Boot starts agent
func (a *agent) Boot() {
	slog.Info("agent start!")

	ticker60 := time.NewTicker(60 * time.Second)
	go func() {
		for {
			select {
			case <-ticker60.C:
				ctx, span := tracer.Start(context.Background(), "Agent.Boot.RefreshSnapshot")
				a.refreshSnapshot(ctx)
				span.End()
				break
			}
		}
	}()

	ticker600 := time.NewTicker(600 * time.Second)
	go func() {
		for {
			select {
			case <-ticker600.C:
				ctx, span := tracer.Start(context.Background(), "Agent.Boot.CleanupExpired")
				a.cleanupExpired(ctx)
				span.End()
				break
			}
		}
	}()

	ticker3600 := time.NewTicker(3600 * time.Second)
	go func() {
		for {
			select {
			case <-ticker3600.C:
				ctx, span := tracer.Start(context.Background(), "Agent.Boot.MaintainKeys")
				a.maintainKeys(ctx)
				span.End()
				break
			}
		}
	}()
}

func (a *agent) refreshSnapshot(ctx context.Context) {
	err := a.policy.RefreshSnapshot(ctx)
	if err != nil {
		slog.Error(
			"failed to refresh policy snapshot",
			slog.String("error", err.Error()),
		)
	}
}

func (a *agent) cleanupExpired(ctx context.Context) {
	removed, err := a.token.CleanupExpired(ctx)
	if err != nil {
		slog.Error(
			"failed to clean up expired tokens",
			slog.String("error", err.Error()),
		)
		return
	}
	if removed > 0 {
		slog.Info("cleaned up expired tokens", slog.Int64("removed", removed))
	}
}

func (a *agent) maintainKeys(ctx context.Context) {
	err := a.token.EnsureKeys(ctx)
	if err != nil {
		slog.Error(
			"failed to ensure signing keys",
			slog.String("error", err.Error()),
		)
	}

	swept, err := a.token.SweepRetiredKeys(ctx)
	if err != nil {
		slog.Error(
			"failed to sweep retired keys",
			slog.String("error", err.Error()),
		)
		return
	}
	if swept > 0 {
		slog.Info("swept retired signing keys", slog.Int64("swept", swept))
	}
}
