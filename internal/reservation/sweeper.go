package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Locker 多副本间的清扫互斥，nil 表示单实例部署不加锁。
type Locker interface {
	TryAcquire(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, owner string) error
}

// SweepStats 一轮清扫的统计。
type SweepStats struct {
	TotalDue    int       `json:"total_due"`
	Expired     int       `json:"expired"`
	LostRace    int       `json:"lost_race"`
	Failed      int       `json:"failed"`
	Skipped     bool      `json:"skipped"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Sweeper 定期把到期的 HELD 预留转为 EXPIRED 并归还库存。
// 与前台 commit/release 竞争时靠状态机 CAS 决出唯一赢家，输家得到 ErrInvalidState。
type Sweeper struct {
	engine   *Engine
	locker   Locker
	owner    string
	interval time.Duration
	lockTTL  time.Duration
	batch    int
	log      *zap.Logger
}

func NewSweeper(engine *Engine, locker Locker, interval, lockTTL time.Duration, batch int, log *zap.Logger) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		engine:   engine,
		locker:   locker,
		owner:    uuid.NewString(),
		interval: interval,
		lockTTL:  lockTTL,
		batch:    batch,
		log:      log.Named("expiry-sweeper"),
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("sweep expired reservations", zap.Error(err))
			}
		}
	}
}

// SweepOnce 处理当前所有到期预留，分批读取。
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepStats, error) {
	now := s.engine.now().UTC()
	stats := SweepStats{ProcessedAt: now}

	if s.locker != nil {
		ok, err := s.locker.TryAcquire(ctx, s.owner, s.lockTTL)
		if err != nil {
			return stats, err
		}
		if !ok {
			stats.Skipped = true
			s.log.Debug("another replica holds the sweep lock")
			return stats, nil
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), s.owner); err != nil {
				s.log.Warn("release sweep lock", zap.Error(err))
			}
		}()
	}

	for {
		due, err := s.engine.ListExpired(ctx, now, s.batch)
		if err != nil {
			return stats, err
		}
		stats.TotalDue += len(due)

		progressed := 0
		for _, r := range due {
			_, err := s.engine.Expire(ctx, r.ID, now)
			switch {
			case err == nil:
				stats.Expired++
				progressed++
			case errors.Is(err, ErrInvalidState):
				// 前台已经 commit/release，正常竞争
				stats.LostRace++
				progressed++
			default:
				stats.Failed++
				s.log.Error("expire reservation",
					zap.String("reservation_id", r.ID),
					zap.String("product_id", r.ProductID),
					zap.Error(err),
				)
			}
		}
		// 整批都失败时留给下一轮，防止原地打转
		if len(due) < s.batch || progressed == 0 {
			break
		}
	}

	if stats.TotalDue > 0 {
		s.log.Info("Completed expired reservation sweep",
			zap.Int("total", stats.TotalDue),
			zap.Int("expired", stats.Expired),
			zap.Int("lost_race", stats.LostRace),
			zap.Int("failed", stats.Failed),
		)
	}
	return stats, nil
}
