package audit

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/totegamma/clearance/core"
)

type Repository interface {
	Append(ctx context.Context, event core.DecisionEvent) error
	Length(ctx context.Context) (int64, error)
}

type repository struct {
	rdb    *redis.Client
	config core.Config
}

// NewRepository creates a new audit repository
func NewRepository(rdb *redis.Client, config core.Config) Repository {
	return &repository{rdb, config}
}

// Append writes one event to the audit stream, trimming it to its
// configured maximum length as it grows.
func (r *repository) Append(ctx context.Context, event core.DecisionEvent) error {
	ctx, span := tracer.Start(ctx, "Audit.Repository.Append")
	defer span.End()

	payload, err := json.Marshal(event)
	if err != nil {
		span.RecordError(err)
		return err
	}

	err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.config.Clearance.Audit.Stream(),
		ID:     "*",
		MaxLen: r.config.Clearance.Audit.StreamMaxLen(),
		Approx: true,
		Values: map[string]interface{}{
			"event": string(payload),
		},
	}).Err()
	if err != nil {
		span.RecordError(err)
		return err
	}

	return nil
}

func (r *repository) Length(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "Audit.Repository.Length")
	defer span.End()

	count, err := r.rdb.XLen(ctx, r.config.Clearance.Audit.Stream()).Result()
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	return count, nil
}
