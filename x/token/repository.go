package token

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/totegamma/clearance/core"
)

type Repository interface {
	CreateToken(ctx context.Context, token core.Token) (core.Token, error)
	GetToken(ctx context.Context, jti string) (core.Token, error)
	MarkRevoked(ctx context.Context, jti string) error
	CleanupExpired(ctx context.Context, before time.Time) (int64, error)

	CheckJTI(ctx context.Context, jti string) (bool, error)
	InvalidateJTI(ctx context.Context, jti string, exp time.Time) error

	Rotate(ctx context.Context, next core.SigningKey) (core.SigningKey, error)
	GetCurrentKey(ctx context.Context) (core.SigningKey, error)
	GetKey(ctx context.Context, kid string) (core.SigningKey, error)
	GetVerificationKeys(ctx context.Context) ([]core.SigningKey, error)
	SweepKeys(ctx context.Context, before time.Time) (int64, error)
}

type repository struct {
	db  *gorm.DB
	rdb *redis.Client
	mc  *memcache.Client
}

func NewRepository(db *gorm.DB, rdb *redis.Client, mc *memcache.Client) Repository {
	return &repository{db, rdb, mc}
}

const currentKeyCacheKey = "signingkey:current"

func (r *repository) CreateToken(ctx context.Context, token core.Token) (core.Token, error) {
	ctx, span := tracer.Start(ctx, "Token.Repository.CreateToken")
	defer span.End()

	err := r.db.WithContext(ctx).Create(&token).Error
	if err != nil {
		span.RecordError(err)
		return core.Token{}, errors.Wrap(err, "failed to create token record")
	}

	return token, nil
}

func (r *repository) GetToken(ctx context.Context, jti string) (core.Token, error) {
	ctx, span := tracer.Start(ctx, "Token.Repository.GetToken")
	defer span.End()

	var token core.Token
	err := r.db.WithContext(ctx).Where("jti = ?", jti).First(&token).Error
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return core.Token{}, core.NewErrorNotFound()
		}
		return core.Token{}, err
	}

	return token, nil
}

func (r *repository) MarkRevoked(ctx context.Context, jti string) error {
	ctx, span := tracer.Start(ctx, "Token.Repository.MarkRevoked")
	defer span.End()

	err := r.db.WithContext(ctx).Model(&core.Token{}).Where("jti = ?", jti).Update("revoked", true).Error
	if err != nil {
		span.RecordError(err)
		return err
	}

	return nil
}

func (r *repository) CleanupExpired(ctx context.Context, before time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "Token.Repository.CleanupExpired")
	defer span.End()

	result := r.db.WithContext(ctx).Where("expires_at < ?", before).Delete(&core.Token{})
	if result.Error != nil {
		span.RecordError(result.Error)
		return 0, result.Error
	}

	return result.RowsAffected, nil
}

func (r *repository) CheckJTI(ctx context.Context, jti string) (bool, error) {
	ctx, span := tracer.Start(ctx, "Token.Repository.CheckJTI")
	defer span.End()

	exists, err := r.rdb.Exists(ctx, "jti:"+jti).Result()
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	if exists == 0 {
		return false, nil
	}

	return true, nil
}

func (r *repository) InvalidateJTI(ctx context.Context, jti string, exp time.Time) error {
	ctx, span := tracer.Start(ctx, "Token.Repository.InvalidateJTI")
	defer span.End()

	// keep the tombstone only as long as the token could still be replayed
	expiration := time.Until(exp)
	if expiration <= 0 {
		return nil
	}

	err := r.rdb.Set(ctx, "jti:"+jti, "1", expiration).Err()
	if err != nil {
		span.RecordError(err)
		return err
	}

	return nil
}

func (r *repository) Rotate(ctx context.Context, next core.SigningKey) (core.SigningKey, error) {
	ctx, span := tracer.Start(ctx, "Token.Repository.Rotate")
	defer span.End()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&core.SigningKey{}).Where("current = ?", true).Update("current", false).Error
		if err != nil {
			return err
		}
		next.Current = true
		return tx.Create(&next).Error
	})
	if err != nil {
		span.RecordError(err)
		return core.SigningKey{}, errors.Wrap(err, "failed to rotate signing key")
	}

	err = r.mc.Delete(currentKeyCacheKey)
	if err != nil && err != memcache.ErrCacheMiss {
		span.RecordError(err)
	}

	return next, nil
}

func (r *repository) GetCurrentKey(ctx context.Context) (core.SigningKey, error) {
	ctx, span := tracer.Start(ctx, "Token.Repository.GetCurrentKey")
	defer span.End()

	item, err := r.mc.Get(currentKeyCacheKey)
	if err == nil {
		var cached core.SigningKey
		err = json.Unmarshal(item.Value, &cached)
		if err == nil {
			return cached, nil
		}
		span.RecordError(err)
	}

	var key core.SigningKey
	err = r.db.WithContext(ctx).Where("current = ?", true).First(&key).Error
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return core.SigningKey{}, core.NewErrorNotFound()
		}
		return core.SigningKey{}, err
	}

	blob, err := json.Marshal(key)
	if err == nil {
		err = r.mc.Set(&memcache.Item{Key: currentKeyCacheKey, Value: blob, Expiration: 600})
		if err != nil {
			span.RecordError(err)
		}
	}

	return key, nil
}

func (r *repository) GetKey(ctx context.Context, kid string) (core.SigningKey, error) {
	ctx, span := tracer.Start(ctx, "Token.Repository.GetKey")
	defer span.End()

	item, err := r.mc.Get("signingkey:" + kid)
	if err == nil {
		var cached core.SigningKey
		err = json.Unmarshal(item.Value, &cached)
		if err == nil {
			return cached, nil
		}
		span.RecordError(err)
	}

	var key core.SigningKey
	err = r.db.WithContext(ctx).Where("kid = ?", kid).First(&key).Error
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return core.SigningKey{}, core.NewErrorKeyNotFound(kid)
		}
		return core.SigningKey{}, err
	}

	blob, err := json.Marshal(key)
	if err == nil {
		err = r.mc.Set(&memcache.Item{Key: "signingkey:" + kid, Value: blob, Expiration: 600})
		if err != nil {
			span.RecordError(err)
		}
	}

	return key, nil
}

func (r *repository) GetVerificationKeys(ctx context.Context) ([]core.SigningKey, error) {
	ctx, span := tracer.Start(ctx, "Token.Repository.GetVerificationKeys")
	defer span.End()

	var keys []core.SigningKey
	err := r.db.WithContext(ctx).Where("not_after > ?", time.Now()).Order("c_date desc").Find(&keys).Error
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return keys, nil
}

func (r *repository) SweepKeys(ctx context.Context, before time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "Token.Repository.SweepKeys")
	defer span.End()

	result := r.db.WithContext(ctx).Where("current = ? and not_after < ?", false, before).Delete(&core.SigningKey{})
	if result.Error != nil {
		span.RecordError(result.Error)
		return 0, result.Error
	}

	return result.RowsAffected, nil
}
