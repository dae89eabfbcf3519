package testutil

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/labstack/echo/v4"
	"github.com/ory/dockertest"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/totegamma/clearance/core"
)

const (
	pgUser     = "clearance"
	pgPassword = "clearance-test"
	pgDatabase = "clearance_test"
)

var (
	pool     *dockertest.Pool
	poolLock sync.Mutex
)

var tracer = otel.Tracer("testutil")

// SetupMockTraceProvider swaps the global tracer provider for an in-memory
// exporter so tests can assert on recorded spans.
func SetupMockTraceProvider() *tracetest.InMemoryExporter {
	exporter := tracetest.NewInMemoryExporter()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)))
	return exporter
}

// CreateHttpRequest builds an echo context backed by a recorder, with a live
// span on the request so middleware under test joins a real trace.
func CreateHttpRequest() (echo.Context, *http.Request, *httptest.ResponseRecorder, string) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	c := e.NewContext(req, rec)
	ctx, span := tracer.Start(c.Request().Context(), "testRoot")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	return c, req, rec, span.SpanContext().TraceID().String()
}

// PrintSpans dumps the spans belonging to traceID, for debugging failed
// middleware assertions.
func PrintSpans(spans tracetest.SpanStubs, traceID string) {
	found := false
	for _, span := range spans {
		if span.SpanContext.TraceID().String() != traceID {
			continue
		}
		found = true
		fmt.Printf("--- %s (%s)\n", span.Name, span.SpanContext.TraceID())
		for _, attr := range span.Attributes {
			fmt.Printf("    %s = %s\n", attr.Key, attr.Value.Emit())
		}
		for _, event := range span.Events {
			fmt.Printf("    event %s\n", event.Name)
			for _, attr := range event.Attributes {
				fmt.Printf("      %s = %s\n", attr.Key, attr.Value.Emit())
			}
		}
	}
	if !found {
		fmt.Printf("no spans recorded for trace %s; have:\n", traceID)
		for _, span := range spans {
			fmt.Printf("  %s (%s)\n", span.Name, span.SpanContext.TraceID())
		}
	}
}

func getPool() *dockertest.Pool {
	poolLock.Lock()
	defer poolLock.Unlock()
	if pool == nil {
		p, err := dockertest.NewPool("")
		if err != nil {
			log.Fatalf("docker is not available: %s", err)
		}
		p.MaxWait = 30 * time.Second
		pool = p
	}
	return pool
}

func runContainer(opts *dockertest.RunOptions) (*dockertest.Resource, func()) {
	p := getPool()

	resource, err := p.RunWithOptions(opts)
	if err != nil {
		log.Fatalf("could not start %s: %s", opts.Repository, err)
	}

	cleanup := func() {
		if err := p.Purge(resource); err != nil {
			log.Fatalf("could not purge %s: %s", opts.Repository, err)
		}
	}

	return resource, cleanup
}

// CreateDB starts a disposable postgres, migrates the schema, and returns
// the handle plus a cleanup that removes the container.
func CreateDB() (*gorm.DB, func()) {
	resource, cleanup := runContainer(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "16",
		Env: []string{
			"POSTGRES_USER=" + pgUser,
			"POSTGRES_PASSWORD=" + pgPassword,
			"POSTGRES_DB=" + pgDatabase,
		},
		ExposedPorts: []string{"5432/tcp"},
	})

	dsn := fmt.Sprintf(
		"postgres://%s:%s@localhost:%s/%s?sslmode=disable",
		pgUser, pgPassword, resource.GetPort("5432/tcp"), pgDatabase,
	)

	var db *gorm.DB
	if err := getPool().Retry(func() error {
		// the container restarts once after initdb finishes
		time.Sleep(2 * time.Second)

		var err error
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
		return err
	}); err != nil {
		log.Fatalf("postgres never came up: %s", err)
	}

	db.AutoMigrate(
		&core.Policy{},
		&core.Token{},
		&core.SigningKey{},
	)

	return db, cleanup
}

// CreateRDB starts a disposable redis and returns a connected client.
func CreateRDB() (*redis.Client, func()) {
	resource, cleanup := runContainer(&dockertest.RunOptions{
		Repository:   "redis",
		Tag:          "7",
		ExposedPorts: []string{"6379/tcp"},
	})

	addr := "localhost:" + resource.GetPort("6379/tcp")

	var client *redis.Client
	if err := getPool().Retry(func() error {
		client = redis.NewClient(&redis.Options{Addr: addr})
		return client.Ping(context.Background()).Err()
	}); err != nil {
		log.Fatalf("redis never came up: %s", err)
	}

	return client, cleanup
}

// CreateMC starts a disposable memcached and returns a connected client.
func CreateMC() (*memcache.Client, func()) {
	resource, cleanup := runContainer(&dockertest.RunOptions{
		Repository:   "memcached",
		Tag:          "1.6",
		ExposedPorts: []string{"11211/tcp"},
	})

	addr := "localhost:" + resource.GetPort("11211/tcp")

	var client *memcache.Client
	if err := getPool().Retry(func() error {
		client = memcache.New(addr)
		return client.Ping()
	}); err != nil {
		log.Fatalf("memcached never came up: %s", err)
	}

	return client, cleanup
}
