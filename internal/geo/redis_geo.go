package geo

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ambulance-dispatch/internal/models"
)

// RedisGeo mirrors on-duty driver positions into a Redis GEO set so other
// instances can query them.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, p models.DriverPresence) error {
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Coords.Lon, Latitude: p.Coords.Lat, Name: p.DriverID})
	pipe.HSet(ctx, MetaKey(p.DriverID), MetaFields(p))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, driverID)
	pipe.Del(ctx, MetaKey(driverID))
	_, err := pipe.Exec(ctx)
	return err
}

func MetaKey(id string) string { return "driver:meta:" + id }

// MetaFields is the hash stored next to each GEO member.
func MetaFields(p models.DriverPresence) map[string]interface{} {
	specs := make([]string, len(p.Specializations))
	for i, s := range p.Specializations {
		specs[i] = string(s)
	}
	return map[string]interface{}{
		"vehicle":         string(p.Vehicle),
		"specializations": strings.Join(specs, ","),
		"updated":         p.LastUpdated.UTC().Format(time.RFC3339),
	}
}
