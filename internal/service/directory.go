package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/monitoring"
	"mailsink/backend/internal/storage"
)

// MailboxCache 按激活地址缓存邮箱行的快路径，由 storage/redis.Cache
// 实现。所有方法尽力而为，出错时调用方回落到数据库。
type MailboxCache interface {
	GetCachedMailbox(ctx context.Context, address string) *domain.Mailbox
	CacheMailbox(ctx context.Context, mailbox *domain.Mailbox, ttl time.Duration) error
	InvalidateMailbox(ctx context.Context, address string) error
}

// Directory 负责把收件地址解析成邮箱记录。
//
// Resolve 对接收管道承诺"总能拿到一个可用邮箱"：地址没有对应
// 邮箱时自动开通，已过期的邮箱在触达时惰性失效并重新开通新行。
type Directory struct {
	store   storage.Store
	cache   MailboxCache
	metrics *monitoring.Metrics
	logger  *zap.Logger
	autoTTL time.Duration
}

// NewDirectory 创建地址解析服务；cache 可为 nil（禁用快路径）。
func NewDirectory(store storage.Store, cache MailboxCache, metrics *monitoring.Metrics, logger *zap.Logger, autoTTL time.Duration) *Directory {
	return &Directory{
		store:   store,
		cache:   cache,
		metrics: metrics,
		logger:  logger,
		autoTTL: autoTTL,
	}
}

// NormalizeAddress 地址大小写不敏感，统一按小写存储和查询。
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// SplitAddress 拆出本地部分和域名；没有 @ 时域名为空。
func SplitAddress(address string) (localPart, domain string) {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return address, ""
	}
	return address[:at], address[at+1:]
}

// Resolve 按地址解析邮箱，不存在或已过期时自动开通新邮箱。
//
// 两次投递竞争为同一新地址开通时，输掉插入的一方按
// insert-or-fetch 语义重读胜出方的行，不报错。
func (d *Directory) Resolve(ctx context.Context, address string) (*domain.Mailbox, error) {
	address = NormalizeAddress(address)
	now := time.Now()

	if d.cache != nil {
		if cached := d.cache.GetCachedMailbox(ctx, address); cached != nil && domain.MailboxUsable(cached, now) {
			return cached, nil
		}
	}

	mailbox, err := d.store.GetMailboxByAddress(address)
	switch {
	case err == nil:
		if domain.MailboxUsable(mailbox, now) {
			d.cacheMailbox(ctx, mailbox)
			return mailbox, nil
		}
		// 惰性过期：触达时检出，标记失效后按"不存在"处理
		if err := d.store.DeactivateMailbox(mailbox.ID); err != nil && !errors.Is(err, storage.ErrMailboxNotFound) {
			return nil, err
		}
		d.metrics.RecordLazyExpiry()
		d.invalidateMailbox(ctx, address)
		d.logger.Info("mailbox lazily expired",
			zap.String("mailbox_id", mailbox.ID),
			zap.String("address", address),
		)
	case errors.Is(err, storage.ErrMailboxNotFound):
		// 继续开通
	default:
		return nil, err
	}

	return d.provision(ctx, address, now)
}

func (d *Directory) provision(ctx context.Context, address string, now time.Time) (*domain.Mailbox, error) {
	localPart, domainName := SplitAddress(address)
	active := address
	mailbox := &domain.Mailbox{
		ID:            uuid.NewString(),
		Address:       address,
		ActiveAddress: &active,
		LocalPart:     localPart,
		Domain:        domainName,
		CreatedAt:     now,
		ExpiresAt:     now.Add(d.autoTTL),
		IsActive:      true,
	}

	err := d.store.CreateMailbox(mailbox)
	switch {
	case err == nil:
		d.metrics.RecordAutoProvision()
		d.cacheMailbox(ctx, mailbox)
		d.logger.Info("mailbox auto-provisioned",
			zap.String("mailbox_id", mailbox.ID),
			zap.String("address", address),
			zap.Time("expires_at", mailbox.ExpiresAt),
		)
		return mailbox, nil
	case errors.Is(err, storage.ErrAddressTaken):
		// 并发开通输了，读回胜出方的行
		winner, fetchErr := d.store.GetMailboxByAddress(address)
		if fetchErr != nil {
			return nil, fetchErr
		}
		d.cacheMailbox(ctx, winner)
		return winner, nil
	default:
		return nil, err
	}
}

func (d *Directory) cacheMailbox(ctx context.Context, mailbox *domain.Mailbox) {
	if d.cache == nil {
		return
	}
	ttl := time.Until(mailbox.ExpiresAt)
	if ttl <= 0 {
		return
	}
	if err := d.cache.CacheMailbox(ctx, mailbox, ttl); err != nil {
		d.logger.Debug("mailbox cache write failed", zap.Error(err))
	}
}

func (d *Directory) invalidateMailbox(ctx context.Context, address string) {
	if d.cache == nil {
		return
	}
	if err := d.cache.InvalidateMailbox(ctx, address); err != nil {
		d.logger.Debug("mailbox cache invalidation failed", zap.Error(err))
	}
}
