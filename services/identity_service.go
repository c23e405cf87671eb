package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/pocketbase/pocketbase"
	pbmodels "github.com/pocketbase/pocketbase/models"
	"github.com/redis/go-redis/v9"

	"festival-gate/models"
	"festival-gate/qr"
)

// CurrentUser maps an authenticated request record to a profile. Nil in,
// nil out; auth itself is the router middleware's job.
func CurrentUser(record *pbmodels.Record) *models.User {
	if record == nil {
		return nil
	}
	return &models.User{
		ID:    record.Id,
		Name:  record.GetString("name"),
		Email: record.Email(),
		Code:  record.GetString("qr_code"),
	}
}

// IdentityProvider resolves user ids to profiles. Network-backed and
// fallible; a nil user with nil error means "no such user".
type IdentityProvider interface {
	ResolveUserByID(ctx context.Context, id string) (*models.User, error)
}

// PBIdentity resolves users from the PocketBase auth collection with a
// Redis read-through cache in front of it.
type PBIdentity struct {
	app      *pocketbase.PocketBase
	redis    *redis.Client
	cacheTTL time.Duration
}

func NewPBIdentity(app *pocketbase.PocketBase, redisClient *redis.Client, cacheTTL time.Duration) *PBIdentity {
	return &PBIdentity{
		app:      app,
		redis:    redisClient,
		cacheTTL: cacheTTL,
	}
}

func (p *PBIdentity) ResolveUserByID(ctx context.Context, id string) (*models.User, error) {
	cacheKey := profileKey(id)

	if data, err := p.redis.Get(ctx, cacheKey).Result(); err == nil {
		var user models.User
		if err := json.Unmarshal([]byte(data), &user); err == nil {
			return &user, nil
		}
	}

	record, err := p.app.Dao().FindRecordById("users", id)
	if err != nil {
		// PocketBase reports missing records as errors; callers only
		// care about "found or not".
		return nil, nil
	}

	user := CurrentUser(record)

	if data, err := json.Marshal(user); err == nil {
		if err := p.redis.Set(ctx, cacheKey, data, p.cacheTTL).Err(); err != nil {
			log.Printf("Failed to cache profile %s: %v", id, err)
		}
	}
	return user, nil
}

// EnsureUserCode generates the long-lived identity code for a freshly
// registered user. Generated once; existing codes are never rotated,
// printed wristbands depend on that.
func EnsureUserCode(app *pocketbase.PocketBase, userID string) error {
	record, err := app.Dao().FindRecordById("users", userID)
	if err != nil {
		return fmt.Errorf("ensure user code: %w", err)
	}

	if record.GetString("qr_code") != "" {
		return nil
	}

	record.Set("qr_code", qr.EncodeUserCode(record.Id, record.GetString("name"), record.Email()))
	return app.Dao().SaveRecord(record)
}

func profileKey(id string) string {
	return fmt.Sprintf("user:profile:%s", id)
}
