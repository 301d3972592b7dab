package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"inventory_engine/internal/model"
	rediskey "inventory_engine/pkg/redis"

	rd "github.com/redis/go-redis/v9"
)

// historyCap 每个商品在 Redis 中保留的流水条数。
const historyCap = 1000

// RedisStore 把计数器与预留存成 JSON，Apply 通过 Lua 脚本在 Redis 内完成 CAS。
type RedisStore struct {
	rdb *rd.Client
}

func NewRedisStore(rdb *rd.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) LoadItem(ctx context.Context, productID string) (model.InventoryItem, error) {
	var item model.InventoryItem
	err := s.getJSON(ctx, rediskey.ItemKey(productID), &item)
	return item, err
}

func (s *RedisStore) LoadReservation(ctx context.Context, reservationID string) (model.Reservation, error) {
	var r model.Reservation
	err := s.getJSON(ctx, rediskey.ReservationKey(reservationID), &r)
	return r, err
}

func (s *RedisStore) FindHeld(ctx context.Context, productID, orderID string) (model.Reservation, error) {
	id, err := s.rdb.Get(ctx, rediskey.HeldKey(productID, orderID)).Result()
	if err != nil {
		return model.Reservation{}, redisErr(err)
	}
	return s.LoadReservation(ctx, id)
}

func (s *RedisStore) Apply(ctx context.Context, ch Change) error {
	itemJSON, err := json.Marshal(ch.Item)
	if err != nil {
		return err
	}
	args := rediskey.ApplyArgs{
		ProductID:      ch.Item.ProductID,
		ItemVersion:    ch.ExpectedItemVersion,
		ItemJSON:       string(itemJSON),
		ReservationVer: -1,
		HistoryCap:     historyCap,
	}
	if r := ch.Reservation; r != nil {
		resJSON, err := json.Marshal(r)
		if err != nil {
			return err
		}
		args.ReservationID = r.ID
		args.ReservationVer = ch.ExpectedReservationVersion
		args.ReservationJSON = string(resJSON)
		args.OrderID = r.OrderID
		args.Held = r.Status == model.ReservationHeld
		if args.Held && r.ExpiresAt != nil {
			args.ExpiryScore = strconv.FormatInt(r.ExpiresAt.UnixMilli(), 10)
		}
	}
	if ch.History != nil {
		histJSON, err := json.Marshal(ch.History)
		if err != nil {
			return err
		}
		args.HistoryJSON = string(histJSON)
	}

	res, err := rediskey.ApplyInventory(ctx, s.rdb, args)
	if err != nil {
		return redisErr(err)
	}
	switch res {
	case rediskey.ApplyOK:
		return nil
	case rediskey.ApplyConflict:
		return ErrConflict
	case rediskey.ApplyNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("apply inventory: unexpected result %q", res)
	}
}

func (s *RedisStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, rediskey.ExpiryIndexKey(), &rd.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, redisErr(err)
	}
	out := make([]model.Reservation, 0, len(ids))
	for _, id := range ids {
		r, err := s.LoadReservation(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if r.Status == model.ReservationHeld && r.ExpiredAt(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *RedisStore) ListItems(ctx context.Context, f ItemFilter) ([]model.InventoryItem, error) {
	ids, err := s.rdb.SMembers(ctx, rediskey.ItemIndexKey()).Result()
	if err != nil {
		return nil, redisErr(err)
	}
	sort.Strings(ids)

	items := make([]model.InventoryItem, 0, len(ids))
	for _, id := range ids {
		item, err := s.LoadItem(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if f.LowOnly && !item.IsLow() {
			continue
		}
		items = append(items, item)
	}
	start, end := f.window(len(items))
	return items[start:end], nil
}

func (s *RedisStore) History(ctx context.Context, productID string, limit int) ([]model.InventoryHistory, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raws, err := s.rdb.LRange(ctx, rediskey.HistoryKey(productID), 0, stop).Result()
	if err != nil {
		return nil, redisErr(err)
	}
	out := make([]model.InventoryHistory, 0, len(raws))
	for _, raw := range raws {
		var h model.InventoryHistory
		if err := json.Unmarshal([]byte(raw), &h); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
		out = append(out, h)
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return redisErr(s.rdb.Ping(ctx).Err())
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return redisErr(err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func redisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rd.Nil):
		return ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
