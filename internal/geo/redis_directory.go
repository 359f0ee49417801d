package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/delivery-dispatch/internal/models"
)

// RedisDirectory implements Directory on Redis GEO commands, with a hash per
// driver for dispatch metadata. The Kafka consumer keeps both in sync from
// the position stream.
type RedisDirectory struct {
	client *redis.Client
	geoKey string
}

func NewRedisDirectory(addr, password, geoKey string) *RedisDirectory {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisDirectory{client: c, geoKey: geoKey}
}

func metaKey(driverID string) string { return "driver:meta:" + driverID }

func (r *RedisDirectory) Upsert(ctx context.Context, report models.PositionReport) error {
	if _, err := r.client.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{
		Longitude: report.Coord.Lon,
		Latitude:  report.Coord.Lat,
		Name:      report.DriverID,
	}).Result(); err != nil {
		return err
	}
	fields := map[string]interface{}{
		"online":      "true",
		"position_at": report.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if report.Vehicle.IsValid() {
		fields["vehicle"] = string(report.Vehicle)
	}
	if report.Available != nil {
		fields["available"] = strconv.FormatBool(*report.Available)
	}
	return r.client.HSet(ctx, metaKey(report.DriverID), fields).Err()
}

func (r *RedisDirectory) GetDriverState(ctx context.Context, driverID string) (*models.DriverState, error) {
	meta, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return nil, err
	}
	if len(meta) == 0 {
		return nil, ErrUnknownDriver
	}
	d := &models.DriverState{ID: driverID, Vehicle: models.VehicleStandard, Available: true}
	d.Online = meta["online"] == "true"
	if v, ok := meta["available"]; ok {
		d.Available = v == "true"
	}
	if v, ok := meta["vehicle"]; ok && models.VehicleClass(v).IsValid() {
		d.Vehicle = models.VehicleClass(v)
	}
	if v, ok := meta["position_at"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			d.PositionAt = ts
		}
	}
	if pos, err := r.client.GeoPos(ctx, r.geoKey, driverID).Result(); err == nil && len(pos) == 1 && pos[0] != nil {
		d.Position = &models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	}
	return d, nil
}

func (r *RedisDirectory) FindCandidates(ctx context.Context, pickup models.Coord, vehicle models.VehicleClass, radiusMeters float64, limit int) ([]Candidate, error) {
	locs, err := r.client.GeoRadius(ctx, r.geoKey, pickup.Lon, pickup.Lat, &redis.GeoRadiusQuery{
		Radius:   radiusMeters,
		Unit:     "m",
		WithDist: true,
		Count:    limit * 3, // over-fetch, meta filters below may drop some
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, limit)
	for _, g := range locs {
		meta, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil || meta["online"] != "true" {
			continue
		}
		if v, ok := meta["available"]; ok && v != "true" {
			continue
		}
		if vehicle.IsValid() {
			if v, ok := meta["vehicle"]; ok && v != string(vehicle) {
				continue
			}
		}
		out = append(out, Candidate{DriverID: g.Name, DistanceMeters: g.Dist})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *RedisDirectory) AnyOnline(ctx context.Context) bool {
	n, err := r.client.ZCard(ctx, r.geoKey).Result()
	return err == nil && n > 0
}

func (r *RedisDirectory) Close() error { return r.client.Close() }
