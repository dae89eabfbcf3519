//go:build wireinject

package main

import (
	"github.com/bradfitz/gomemcache/memcache"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/totegamma/clearance/core"
	"github.com/totegamma/clearance/x/agent"
	"github.com/totegamma/clearance/x/audit"
	"github.com/totegamma/clearance/x/auth"
	"github.com/totegamma/clearance/x/jwks"
	"github.com/totegamma/clearance/x/policy"
	"github.com/totegamma/clearance/x/sandbox"
	"github.com/totegamma/clearance/x/token"
)

var tokenProvider = wire.NewSet(token.NewService, token.NewRepository, jwks.NewService)
var policyProvider = wire.NewSet(policy.NewService, policy.NewRepository, sandbox.NewService, audit.NewService, audit.NewRepository)

func SetupAgent(db *gorm.DB, rdb *redis.Client, mc *memcache.Client, config core.Config) core.AgentService {
	wire.Build(agent.NewAgent, tokenProvider, policyProvider)
	return nil
}

func SetupAuthService(db *gorm.DB, rdb *redis.Client, mc *memcache.Client, config core.Config) core.AuthService {
	wire.Build(auth.NewService, tokenProvider)
	return nil
}

func SetupTokenService(db *gorm.DB, rdb *redis.Client, mc *memcache.Client, config core.Config) core.TokenService {
	wire.Build(tokenProvider)
	return nil
}

func SetupPolicyService(db *gorm.DB, rdb *redis.Client, config core.Config) core.PolicyService {
	wire.Build(policyProvider)
	return nil
}

func SetupAuditService(rdb *redis.Client, config core.Config) core.AuditService {
	wire.Build(audit.NewService, audit.NewRepository)
	return nil
}

func SetupJwksHandler(config core.Config) jwks.Handler {
	wire.Build(jwks.NewHandler, jwks.NewService)
	return nil
}
