package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"greendrake/tuition/internal/billing"
	"greendrake/tuition/internal/config"
	"greendrake/tuition/internal/db"
	"greendrake/tuition/internal/models"
)

// Runtime setting keys read by the billing jobs.
const (
	SettingInvoiceLeadDays = "INVOICE_LEAD_DAYS" // overrides Config.InvoiceLeadDays
	SettingNotifyOnIssue   = "NOTIFY_ON_INVOICE_ISSUE"
)

const settingsUpdateChannel = "settings_updates"

// ISettingsService gives access to runtime overrides of configuration defaults.
type ISettingsService interface {
	Load(ctx context.Context) error
	SubscribeToChanges(ctx context.Context) error
	Get(ctx context.Context, key string) (any, error)
	GetInt(ctx context.Context, key string, defaultValue int) int
	GetString(ctx context.Context, key string, defaultValue string) string
	GetBool(ctx context.Context, key string, defaultValue bool) bool
	GetDuration(ctx context.Context, key string, defaultValue time.Duration) time.Duration
	GetAllPublic(ctx context.Context) (map[string]any, error)
	Set(ctx context.Context, key string, value any, isPublic bool) error
	GetEndpointLimit(ctx context.Context, endpoint string) *models.EndpointLimit
	SetEndpointLimit(ctx context.Context, limit models.EndpointLimit) error
}

// settingsService implements ISettingsService with a Mongo-backed cache that Redis pub/sub keeps in
// sync across processes.
type settingsService struct {
	db     *mongo.Database
	cfg    *config.Config
	rdb    redis.UniversalClient
	mu     sync.RWMutex
	cache  map[string]any
	limits map[string]*models.EndpointLimit
}

// NewSettingsService creates a new SettingsService and loads the current overrides. rdb may be nil,
// in which case changes made by other processes are only seen after Load.
func NewSettingsService(db *mongo.Database, cfg *config.Config, rdb redis.UniversalClient) ISettingsService {
	s := &settingsService{
		db:     db,
		cfg:    cfg,
		rdb:    rdb,
		cache:  map[string]any{},
		limits: map[string]*models.EndpointLimit{},
	}
	if err := s.Load(context.Background()); err != nil {
		log.Printf("WARNING: Failed to load settings from DB: %v. Using defaults from environment", err)
	}
	return s
}

// Load implements ISettingsService. It replaces the cache with the stored overrides and endpoint limits.
func (s *settingsService) Load(ctx context.Context) error {
	settings, err := findMany[models.Setting](ctx, s.db.Collection(db.SettingsCollection), bson.M{})
	if err != nil {
		return err
	}
	limits, err := findMany[models.EndpointLimit](ctx, s.db.Collection(db.EndpointLimitsCollection), bson.M{})
	if err != nil {
		return err
	}

	cache := make(map[string]any, len(settings))
	for _, e := range settings {
		cache[e.Key] = e.Value
	}
	byEndpoint := make(map[string]*models.EndpointLimit, len(limits))
	for i := range limits {
		byEndpoint[limits[i].Endpoint] = &limits[i]
	}

	s.mu.Lock()
	s.cache = cache
	s.limits = byEndpoint
	s.mu.Unlock()
	log.Printf("Loaded %d settings and %d endpoint limits from DB.", len(cache), len(byEndpoint))
	return nil
}

// SubscribeToChanges implements ISettingsService. It blocks, reloading on every notification, until
// ctx is cancelled.
func (s *settingsService) SubscribeToChanges(ctx context.Context) error {
	if s.rdb == nil {
		log.Println("Redis client not configured, settings changes are not followed.")
		return nil
	}
	pubsub := s.rdb.Subscribe(ctx, settingsUpdateChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", settingsUpdateChannel, err)
	}
	log.Println("Subscribed to Redis channel for settings updates:", settingsUpdateChannel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			log.Printf("Settings update notification: %s", msg.Payload)
			if err := s.Load(ctx); err != nil {
				log.Printf("ERROR reloading settings after notification: %v", err)
			}
		}
	}
}

// Get implements ISettingsService.
func (s *settingsService) Get(ctx context.Context, key string) (any, error) {
	s.mu.RLock()
	val, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return val, nil
	}
	return nil, fmt.Errorf("setting %q: %w", key, billing.ErrNotFound)
}

// GetString implements ISettingsService.
func (s *settingsService) GetString(ctx context.Context, key string, defaultValue string) string {
	val, err := s.Get(ctx, key)
	if err != nil {
		return defaultValue
	}
	if str, ok := val.(string); ok {
		return str
	}
	log.Printf("Warning: setting '%s' is not a string, using default.", key)
	return defaultValue
}

// GetInt implements ISettingsService. Mongo may hand numbers back as int32, int64 or float64.
func (s *settingsService) GetInt(ctx context.Context, key string, defaultValue int) int {
	val, err := s.Get(ctx, key)
	if err != nil {
		return defaultValue
	}
	switch v := val.(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	log.Printf("Warning: setting '%s' is not an integer (%T), using default.", key, val)
	return defaultValue
}

// GetBool implements ISettingsService.
func (s *settingsService) GetBool(ctx context.Context, key string, defaultValue bool) bool {
	val, err := s.Get(ctx, key)
	if err != nil {
		return defaultValue
	}
	if b, ok := val.(bool); ok {
		return b
	}
	log.Printf("Warning: setting '%s' is not a boolean, using default.", key)
	return defaultValue
}

// GetDuration implements ISettingsService. Durations are stored as seconds.
func (s *settingsService) GetDuration(ctx context.Context, key string, defaultValue time.Duration) time.Duration {
	secs := s.GetInt(ctx, key, -1)
	if secs < 0 {
		return defaultValue
	}
	return time.Duration(secs) * time.Second
}

// GetAllPublic implements ISettingsService.
func (s *settingsService) GetAllPublic(ctx context.Context) (map[string]any, error) {
	public, err := findMany[models.Setting](ctx, s.db.Collection(db.SettingsCollection), bson.M{"public": true})
	if err != nil {
		return nil, err
	}
	out := map[string]any{"APP_NAME": s.cfg.AppName, "CURRENCY": s.cfg.Currency}
	for _, e := range public {
		out[e.Key] = e.Value
	}
	return out, nil
}

// Set implements ISettingsService. A nil value removes the override.
func (s *settingsService) Set(ctx context.Context, key string, value any, isPublic bool) error {
	if key == "" {
		return billing.NewValidationError("key", "is required")
	}
	coll := s.db.Collection(db.SettingsCollection)
	if value == nil {
		if _, err := coll.DeleteOne(ctx, bson.M{"key": key}); err != nil {
			return fmt.Errorf("failed to delete setting '%s': %w", key, err)
		}
	} else {
		_, err := coll.UpdateOne(ctx, bson.M{"key": key},
			bson.M{"$set": models.Setting{Key: key, Value: value, Public: isPublic}},
			options.Update().SetUpsert(true))
		if err != nil {
			return fmt.Errorf("failed to upsert setting '%s': %w", key, err)
		}
	}

	s.mu.Lock()
	if value == nil {
		delete(s.cache, key)
	} else {
		s.cache[key] = value
	}
	s.mu.Unlock()
	s.publish(ctx, key)
	log.Printf("Updated setting '%s'.", key)
	return nil
}

// GetEndpointLimit implements ISettingsService. nil means the defaults apply.
func (s *settingsService) GetEndpointLimit(ctx context.Context, endpoint string) *models.EndpointLimit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits[endpoint]
}

// SetEndpointLimit implements ISettingsService.
func (s *settingsService) SetEndpointLimit(ctx context.Context, limit models.EndpointLimit) error {
	if err := validateStruct(limit); err != nil {
		return err
	}
	_, err := s.db.Collection(db.EndpointLimitsCollection).UpdateOne(ctx,
		bson.M{"endpoint": limit.Endpoint},
		bson.M{"$set": limit},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert limit for %s: %w", limit.Endpoint, err)
	}

	s.mu.Lock()
	stored := limit
	s.limits[limit.Endpoint] = &stored
	s.mu.Unlock()
	s.publish(ctx, limit.Endpoint)
	return nil
}

func (s *settingsService) publish(ctx context.Context, what string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Publish(ctx, settingsUpdateChannel, what).Err(); err != nil {
		log.Printf("Warning: failed to publish settings update for '%s': %v", what, err)
	}
}
