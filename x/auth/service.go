package auth

import (
	"go.opentelemetry.io/otel"

	"github.com/totegamma/clearance/core"
)

var tracer = otel.Tracer("auth")

type service struct {
	token  core.TokenService
	config core.Config
}

// NewService creates a new auth service
func NewService(token core.TokenService, config core.Config) core.AuthService {
	return &service{token, config}
}
