package policy

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
	"gorm.io/gorm"

	"github.com/totegamma/clearance/core"
)

const snapshotKey = "policies:snapshot"
const snapshotTTL = 60 * time.Second

type Repository interface {
	FindApplicable(ctx context.Context) ([]core.Policy, error)
	Get(ctx context.Context, id string) (core.Policy, error)
	Upsert(ctx context.Context, policy core.Policy) (core.Policy, error)
	Delete(ctx context.Context, id string) error
	InvalidateSnapshot(ctx context.Context) error
	Count(ctx context.Context) (int64, error)
}

type repository struct {
	db  *gorm.DB
	rdb *redis.Client
}

// NewRepository creates a new policy repository
func NewRepository(db *gorm.DB, rdb *redis.Client) Repository {
	return &repository{db, rdb}
}

// FindApplicable returns every active policy, hydrated and ready to scan.
// The list is cached in redis as one snapshot so the hot path normally
// costs a single round trip.
func (r *repository) FindApplicable(ctx context.Context) ([]core.Policy, error) {
	ctx, span := tracer.Start(ctx, "Policy.Repository.FindApplicable")
	defer span.End()

	val, err := r.rdb.Get(ctx, snapshotKey).Result()
	if err == nil {
		var policies []core.Policy
		err = json.Unmarshal([]byte(val), &policies)
		if err == nil {
			return policies, nil
		}
		span.RecordError(err)
		// fall through to the database on a corrupt snapshot
	}

	var records []core.Policy
	err = r.db.WithContext(ctx).Where("active = ?", true).Order("priority ASC, id ASC").Find(&records).Error
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	policies := make([]core.Policy, 0, len(records))
	for _, record := range records {
		policy, err := inflate(record)
		if err != nil {
			// a policy we cannot read is a policy we cannot honor;
			// skipping it could silently drop a deny
			span.RecordError(err)
			slog.Error(
				"policy has a corrupt stored definition",
				slog.String("id", record.ID),
				slog.String("error", err.Error()),
			)
			return nil, core.NewErrorConfiguration("policy " + record.ID + " has a corrupt stored definition")
		}
		policies = append(policies, policy)
	}

	snapshot, err := json.Marshal(policies)
	if err == nil {
		err = r.rdb.Set(ctx, snapshotKey, snapshot, snapshotTTL).Err()
		if err != nil {
			span.RecordError(err)
		}
	}

	return policies, nil
}

func (r *repository) Get(ctx context.Context, id string) (core.Policy, error) {
	ctx, span := tracer.Start(ctx, "Policy.Repository.Get")
	defer span.End()

	var record core.Policy
	err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if err != nil {
		span.RecordError(err)
		if err == gorm.ErrRecordNotFound {
			return core.Policy{}, core.NewErrorNotFound()
		}
		return core.Policy{}, err
	}

	return inflate(record)
}

func (r *repository) Upsert(ctx context.Context, policy core.Policy) (core.Policy, error) {
	ctx, span := tracer.Start(ctx, "Policy.Repository.Upsert")
	defer span.End()

	if policy.ID == "" {
		policy.ID = xid.New().String()
	}

	record, err := deflate(policy)
	if err != nil {
		span.RecordError(err)
		return core.Policy{}, err
	}

	err = r.db.WithContext(ctx).Save(&record).Error
	if err != nil {
		span.RecordError(err)
		return core.Policy{}, err
	}

	err = r.InvalidateSnapshot(ctx)
	if err != nil {
		span.RecordError(err)
	}

	return policy, nil
}

func (r *repository) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "Policy.Repository.Delete")
	defer span.End()

	err := r.db.WithContext(ctx).Delete(&core.Policy{}, "id = ?", id).Error
	if err != nil {
		span.RecordError(err)
		return err
	}

	err = r.InvalidateSnapshot(ctx)
	if err != nil {
		span.RecordError(err)
	}

	return nil
}

func (r *repository) InvalidateSnapshot(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Policy.Repository.InvalidateSnapshot")
	defer span.End()

	return r.rdb.Del(ctx, snapshotKey).Err()
}

func (r *repository) Count(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "Policy.Repository.Count")
	defer span.End()

	var count int64
	err := r.db.WithContext(ctx).Model(&core.Policy{}).Count(&count).Error
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return count, nil
}

// inflate hydrates the json columns into their typed fields
func inflate(record core.Policy) (core.Policy, error) {
	if record.MatcherData != nil {
		var matcher core.Matcher
		err := json.Unmarshal([]byte(*record.MatcherData), &matcher)
		if err != nil {
			return core.Policy{}, err
		}
		record.Matcher = &matcher
	}

	if record.EngineData != "" {
		err := json.Unmarshal([]byte(record.EngineData), &record.Engine)
		if err != nil {
			return core.Policy{}, err
		}
	}

	return record, nil
}

// deflate serializes the typed fields back into their json columns
func deflate(policy core.Policy) (core.Policy, error) {
	if policy.Matcher != nil {
		data, err := json.Marshal(policy.Matcher)
		if err != nil {
			return core.Policy{}, err
		}
		str := string(data)
		policy.MatcherData = &str
	}

	data, err := json.Marshal(policy.Engine)
	if err != nil {
		return core.Policy{}, err
	}
	policy.EngineData = string(data)

	return policy, nil
}
