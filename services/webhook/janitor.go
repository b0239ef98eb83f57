package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"questline-settlement/pkg/config"
	"questline-settlement/pkg/featureflags"
	"questline-settlement/pkg/idempotency"
	"questline-settlement/pkg/ratelimit"
	"questline-settlement/pkg/task"

	"github.com/minio/minio-go/v7"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DefaultRetentionDays = 30
	sweepInterval        = time.Hour
	retentionFlag        = "webhook_log_retention"
)

// Janitor bounds the memory of the in-process backends and the size of
// the webhook log. It also feeds the scheduled retry sweep: workspaces
// with a failed backlog get a sweep task every interval.
type Janitor struct {
	db        *gorm.DB
	cache     idempotency.Cache
	limiter   ratelimit.Limiter
	flags     featureflags.FeatureFlag
	asynq     task.Enqueuer
	archive   *minio.Client
	bucket    string
	retention time.Duration
}

type JanitorParams struct {
	fx.In

	DB      *gorm.DB
	Cfg     *config.Config
	Cache   idempotency.Cache
	Limiter ratelimit.Limiter
	Flags   featureflags.FeatureFlag
	Asynq   task.Enqueuer
	Archive *minio.Client `optional:"true"`
}

func NewJanitor(p JanitorParams) *Janitor {
	days := p.Cfg.Webhook.RetentionDays
	if days <= 0 {
		days = DefaultRetentionDays
	}

	return &Janitor{
		db:        p.DB,
		cache:     p.Cache,
		limiter:   p.Limiter,
		flags:     p.Flags,
		asynq:     p.Asynq,
		archive:   p.Archive,
		bucket:    p.Cfg.Minio.BucketName,
		retention: time.Duration(days) * 24 * time.Hour,
	}
}

// StartJanitor runs the janitor loop for the lifetime of the app. The
// loop gets its own context; the fx start context is cancelled as soon as
// startup completes and must not leak into long-lived goroutines.
func StartJanitor(lc fx.Lifecycle, j *Janitor) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go j.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (j *Janitor) run(ctx context.Context) {
	zap.L().Info("[Janitor] started webhook janitor",
		zap.Duration("sweep_interval", sweepInterval),
		zap.Duration("retention", j.retention),
	)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	nextPurge := nextRunTime(time.Now(), 3, 0)

	for {
		select {
		case <-ticker.C:
			j.Sweep(ctx)

			if time.Now().After(nextPurge) {
				if _, err := j.PurgeExpired(ctx); err != nil {
					zap.L().Error("[Janitor] retention purge failed", zap.Error(err))
				}
				nextPurge = nextRunTime(time.Now(), 3, 0)
			}
		case <-ctx.Done():
			zap.L().Warn("[Janitor] stopped")
			return
		}
	}
}

// Sweep trims the idempotency and rate-limit backends, then enqueues a
// retry sweep for every workspace that still has failed events.
func (j *Janitor) Sweep(ctx context.Context) {
	cacheRemoved := j.cache.Sweep(ctx)
	limiterRemoved := j.limiter.Sweep(ctx)

	zap.L().Info("[Janitor] swept expired entries",
		zap.Int("idempotency_removed", cacheRemoved),
		zap.Int("ratelimit_removed", limiterRemoved),
	)

	j.enqueueRetrySweeps(ctx)
}

func (j *Janitor) enqueueRetrySweeps(ctx context.Context) {
	var workspaceIDs []string
	err := j.db.WithContext(ctx).
		Model(&WebhookLog{}).
		Where("processed = ?", false).
		Distinct().
		Pluck("workspace_id", &workspaceIDs).Error
	if err != nil {
		zap.L().Error("[Janitor] failed to list workspaces with failed webhooks", zap.Error(err))
		return
	}

	for _, workspaceID := range workspaceIDs {
		t, err := NewRetrySweepTask(workspaceID, 0)
		if err != nil {
			zap.L().Error("[Janitor] failed to build retry sweep task", zap.Error(err))
			continue
		}
		if _, err := j.asynq.Enqueue(ctx, t); err != nil {
			zap.L().Error("[Janitor] failed to enqueue retry sweep",
				zap.String("workspace_id", workspaceID),
				zap.Error(err),
			)
		}
	}
}

// PurgeExpired removes processed, error-free log rows past the retention
// window, archiving them to object storage first when a client is wired.
// An archive failure aborts the purge so no row disappears unarchived.
func (j *Janitor) PurgeExpired(ctx context.Context) (int64, error) {
	if !j.flags.Enabled(ctx, retentionFlag, true) {
		zap.L().Info("[Janitor] retention purge disabled by flag")
		return 0, nil
	}

	cutoff := time.Now().Add(-j.retention)

	var rows []WebhookLog
	err := j.db.WithContext(ctx).
		Where("processed = ? AND error IS NULL AND created_at < ?", true, cutoff).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load purgeable webhook logs: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	if j.archive != nil && j.bucket != "" {
		if err := j.archiveRows(ctx, rows); err != nil {
			return 0, err
		}
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}

	res := j.db.WithContext(ctx).Where("id IN ?", ids).Delete(&WebhookLog{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge webhook logs: %w", res.Error)
	}

	zap.L().Info("[Janitor] purged webhook logs",
		zap.Int64("purged", res.RowsAffected),
		zap.Time("cutoff", cutoff),
	)

	return res.RowsAffected, nil
}

func (j *Janitor) archiveRows(ctx context.Context, rows []WebhookLog) error {
	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to encode webhook logs for archive: %w", err)
	}

	objectName := fmt.Sprintf("webhook-logs/%s/purge-%d.json",
		time.Now().Format("2006-01-02"), time.Now().UnixNano())

	_, err = j.archive.PutObject(ctx, j.bucket, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to archive webhook logs: %w", err)
	}

	zap.L().Info("[Janitor] archived webhook logs",
		zap.String("object", objectName),
		zap.Int("rows", len(rows)),
	)

	return nil
}

func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if now.After(next) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
