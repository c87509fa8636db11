package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"mailsink/backend/internal/storage"
	"mailsink/backend/internal/storage/redis"
)

// Deduplicator 判定一次投递是否已经落库。
//
// 去重键是 (mailboxID, upstreamMessageID)。这里的检查只是快路径，
// 不要求与后续插入构成原子事务：并发竞争最终由消息表的唯一约束
// 兜底，输掉插入的一方按"已投递"处理。
type Deduplicator struct {
	store  storage.MessageRepository
	cache  *redis.Cache
	logger *zap.Logger
}

// NewDeduplicator 创建去重器；cache 可为 nil。
func NewDeduplicator(store storage.MessageRepository, cache *redis.Cache, logger *zap.Logger) *Deduplicator {
	return &Deduplicator{store: store, cache: cache, logger: logger}
}

// AlreadyDelivered 判断该投递是否已记录。
//
// 没有上游 Message-ID 的邮件没有去重键，永远按新投递处理。
// 存储层查询出错时按"未投递"返回，让插入时的唯一约束做最终裁决。
func (d *Deduplicator) AlreadyDelivered(ctx context.Context, mailboxID, upstreamID string) bool {
	if upstreamID == "" {
		return false
	}

	if d.cache != nil && d.cache.SeenDelivery(ctx, mailboxID, upstreamID) {
		return true
	}

	_, err := d.store.GetMessageByUpstreamID(mailboxID, upstreamID)
	if err == nil {
		return true
	}
	if !errors.Is(err, storage.ErrMessageNotFound) {
		d.logger.Warn("dedup lookup failed, deferring to insert constraint",
			zap.String("mailbox_id", mailboxID),
			zap.Error(err),
		)
	}
	return false
}

// MarkDelivered 在消息落库后写入去重快路径标记，尽力而为。
func (d *Deduplicator) MarkDelivered(ctx context.Context, mailboxID, upstreamID string, ttl time.Duration) {
	if d.cache == nil || upstreamID == "" || ttl <= 0 {
		return
	}
	if err := d.cache.MarkDelivered(ctx, mailboxID, upstreamID, ttl); err != nil {
		d.logger.Debug("dedup cache write failed", zap.Error(err))
	}
}
