package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/totegamma/clearance/core"
	"github.com/totegamma/clearance/x/policy"
	"github.com/totegamma/clearance/x/token"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.7.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/plugin/opentelemetry/tracing"
)

// traceLogHandler stamps every record with the ids of the span it was
// emitted under, so log lines join up with traces in the collector.
type traceLogHandler struct {
	slog.Handler
}

func (h *traceLogHandler) Handle(ctx context.Context, r slog.Record) error {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		r.AddAttrs(
			slog.String("traceID", span.SpanContext().TraceID().String()),
			slog.String("spanID", span.SpanContext().SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h *traceLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceLogHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *traceLogHandler) WithGroup(name string) slog.Handler {
	return &traceLogHandler{Handler: h.Handler.WithGroup(name)}
}

var (
	version      = "unknown"
	buildMachine = "unknown"
	buildTime    = "unknown"
	goVersion    = "unknown"
)

func isInfraPath(c echo.Context) bool {
	return c.Path() == "/metrics" || c.Path() == "/health"
}

func main() {

	fmt.Fprint(os.Stderr, clearanceBanner)

	slogger := slog.New(&traceLogHandler{Handler: slog.NewJSONHandler(os.Stdout, nil)})
	slog.SetDefault(slogger.With("service", "clearance"))

	slog.Info(fmt.Sprintf("Clearance %s starting... (built %s on %s with %s)", version, buildTime, buildMachine, goVersion))

	e := echo.New()
	e.HidePort = true
	e.HideBanner = true

	config := core.Config{}
	configPath := os.Getenv("CLEARANCE_CONFIG")
	if configPath == "" {
		configPath = "/etc/clearance/config.yaml"
	}

	err := config.Load(configPath)
	if err != nil {
		slog.Error("Failed to load config: ", err)
	}

	slog.Info(fmt.Sprintf("Config loaded! I am: %s", config.Clearance.IssuerID()))

	if config.Server.TraceEndpoint != "" {
		cleanup, err := setupTraceProvider(config.Server.TraceEndpoint, config.Clearance.FQDN+"/clrapi", version)
		if err != nil {
			panic(err)
		}
		defer cleanup()

		e.Use(otelecho.Middleware("api", otelecho.WithSkipper(isInfraPath)))
	}

	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace: "clrapi",
		Skipper:   isInfraPath,
	}))

	e.Use(middleware.Recover())

	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(config.Server.Dsn), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		panic("failed to connect database")
	}
	sqlDB, err := db.DB() // for pinging
	if err != nil {
		panic("failed to connect database")
	}
	defer sqlDB.Close()

	err = db.Use(tracing.NewPlugin(
		tracing.WithDBName("clearance"),
	))
	if err != nil {
		panic("failed to setup tracing plugin")
	}

	// Migrate the schema
	slog.Info("start migrate")
	db.AutoMigrate(
		&core.Policy{},
		&core.Token{},
		&core.SigningKey{},
	)

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Server.RedisAddr,
		Password: "", // no password set
		DB:       config.Server.RedisDB,
	})
	err = redisotel.InstrumentTracing(
		rdb,
		redisotel.WithAttributes(attribute.String("db.name", "redis")),
	)
	if err != nil {
		panic("failed to setup tracing plugin")
	}

	mc := memcache.New(config.Server.MemcachedAddr)
	defer mc.Close()

	agent := SetupAgent(db, rdb, mc, config)

	authService := SetupAuthService(db, rdb, mc, config)

	tokenService := SetupTokenService(db, rdb, mc, config)
	tokenHandler := token.NewHandler(tokenService, config)

	policyService := SetupPolicyService(db, rdb, config)
	policyHandler := policy.NewHandler(policyService)

	auditService := SetupAuditService(rdb, config)

	jwksHandler := SetupJwksHandler(config)

	policyRepository := policy.NewRepository(db, rdb)
	err = seedDefaultPolicies(context.Background(), policyRepository)
	if err != nil {
		slog.Error(fmt.Sprintf("failed to seed default policies: %v", err))
	}

	// a signing key must exist before the first token is issued or verified
	err = tokenService.EnsureKeys(context.Background())
	if err != nil {
		slog.Error(fmt.Sprintf("failed to ensure signing keys: %v", err))
	}

	apiV1 := e.Group("/api/v1", authService.IdentifyIdentity)

	// decision
	apiV1.POST("/decision", policyHandler.Decide, authService.Restrict(core.ISKNOWN))

	// token
	apiV1.POST("/token/introspect", tokenHandler.Introspect, authService.Restrict(core.ISSERVICE))
	apiV1.POST("/token/revoke", tokenHandler.Revoke, authService.Restrict(core.ISKNOWN))
	apiV1.POST("/token/refresh", tokenHandler.Refresh)

	// jwks
	apiV1.POST("/jwks/refresh", jwksHandler.Refresh, authService.Restrict(core.ISSERVICE))

	e.GET("/.well-known/jwks.json", tokenHandler.Jwks)

	e.GET("/health", func(c echo.Context) error {
		ctx := c.Request().Context()

		if err := sqlDB.Ping(); err != nil {
			return c.String(http.StatusServiceUnavailable, "db error")
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			return c.String(http.StatusServiceUnavailable, "redis error")
		}
		if err := mc.Ping(); err != nil {
			return c.String(http.StatusServiceUnavailable, "memcached error")
		}

		return c.String(http.StatusOK, "ok")
	})

	var resourceCountMetrics = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clr_resources_count",
			Help: "resources count",
		},
		[]string{"type"},
	)
	prometheus.MustRegister(resourceCountMetrics)

	go func() {
		for {
			time.Sleep(15 * time.Second)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

			count, err := policyService.Count(ctx)
			if err != nil {
				slog.Error(fmt.Sprintf("failed to count policies: %v", err))
				cancel()
				continue
			}
			resourceCountMetrics.WithLabelValues("policy").Set(float64(count))

			count, err = auditService.Count(ctx)
			if err != nil {
				slog.Error(fmt.Sprintf("failed to count audit records: %v", err))
				cancel()
				continue
			}
			resourceCountMetrics.WithLabelValues("audit").Set(float64(count))

			cancel()
		}
	}()

	e.GET("/metrics", echoprometheus.NewHandler())

	agent.Boot()
	e.Logger.Fatal(e.Start(":8000"))
}

func setupTraceProvider(endpoint string, serviceName string, serviceVersion string) (func(), error) {

	exporter, err := otlptracehttp.New(
		context.Background(),
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
		)),
	)
	otel.SetTracerProvider(provider)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			slog.Error(fmt.Sprintf("Failed to shutdown tracer provider: %v", err))
		}
	}
	return shutdown, nil
}
