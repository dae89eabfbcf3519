//go:generate go run go.uber.org/mock/mockgen -source=client.go -destination=mock/client.go
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/totegamma/clearance/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	defaultTimeout = 10 * time.Second
)

var tracer = otel.Tracer("client")

// Client talks to a remote clearance instance.
type Client interface {
	Decide(ctx context.Context, domain string, rctx core.RequestContext) (core.AccessDecision, error)
	Introspect(ctx context.Context, domain, token string) (core.IntrospectionResult, error)
	Revoke(ctx context.Context, domain, token string) error
	GetJwks(ctx context.Context, domain string) (core.JWKSet, error)
}

type client struct{}

func NewClient() Client {
	return &client{}
}

func (c *client) Decide(ctx context.Context, domain string, rctx core.RequestContext) (core.AccessDecision, error) {
	ctx, span := tracer.Start(ctx, "Client.Decide")
	defer span.End()

	payload, err := json.Marshal(rctx)
	if err != nil {
		span.RecordError(err)
		return core.AccessDecision{}, err
	}

	req, err := http.NewRequest("POST", "https://"+domain+"/api/v1/decision", bytes.NewBuffer(payload))
	if err != nil {
		span.RecordError(err)
		return core.AccessDecision{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	client := new(http.Client)
	client.Timeout = defaultTimeout
	resp, err := client.Do(req)
	if err != nil {
		span.RecordError(err)
		return core.AccessDecision{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return core.AccessDecision{}, err
	}

	var decisionResp core.ResponseBase[core.AccessDecision]
	err = json.Unmarshal(body, &decisionResp)
	if err != nil {
		span.RecordError(err)
		return core.AccessDecision{}, err
	}

	if decisionResp.Status != "ok" {
		return core.AccessDecision{}, fmt.Errorf("remote decision failed: %s", decisionResp.Reason())
	}

	return decisionResp.Content, nil
}

func (c *client) Introspect(ctx context.Context, domain, token string) (core.IntrospectionResult, error) {
	ctx, span := tracer.Start(ctx, "Client.Introspect")
	defer span.End()

	form := url.Values{}
	form.Set("token", token)

	req, err := http.NewRequest("POST", "https://"+domain+"/api/v1/token/introspect", strings.NewReader(form.Encode()))
	if err != nil {
		span.RecordError(err)
		return core.IntrospectionResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	client := new(http.Client)
	client.Timeout = 3 * time.Second
	resp, err := client.Do(req)
	if err != nil {
		span.RecordError(err)
		return core.IntrospectionResult{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return core.IntrospectionResult{}, fmt.Errorf("remote introspection failed: %s", resp.Status)
	}

	var result core.IntrospectionResult
	err = json.Unmarshal(body, &result)
	if err != nil {
		span.RecordError(err)
		return core.IntrospectionResult{}, err
	}

	return result, nil
}

func (c *client) Revoke(ctx context.Context, domain, token string) error {
	ctx, span := tracer.Start(ctx, "Client.Revoke")
	defer span.End()

	form := url.Values{}
	form.Set("token", token)

	req, err := http.NewRequest("POST", "https://"+domain+"/api/v1/token/revoke", strings.NewReader(form.Encode()))
	if err != nil {
		span.RecordError(err)
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	client := new(http.Client)
	client.Timeout = 3 * time.Second
	resp, err := client.Do(req)
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("remote revocation failed: %s", resp.Status)
	}

	return nil
}

func (c *client) GetJwks(ctx context.Context, domain string) (core.JWKSet, error) {
	ctx, span := tracer.Start(ctx, "Client.GetJwks")
	defer span.End()

	req, err := http.NewRequest("GET", "https://"+domain+"/.well-known/jwks.json", nil)
	if err != nil {
		span.RecordError(err)
		return core.JWKSet{}, err
	}

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	client := new(http.Client)
	client.Timeout = 3 * time.Second
	resp, err := client.Do(req)
	if err != nil {
		span.RecordError(err)
		return core.JWKSet{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	var set core.JWKSet
	err = json.Unmarshal(body, &set)
	if err != nil {
		span.RecordError(err)
		return core.JWKSet{}, err
	}

	return set, nil
}
