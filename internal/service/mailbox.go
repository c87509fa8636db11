package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/monitoring"
	"mailsink/backend/internal/storage"
)

var (
	// ErrMailboxUnavailable 邮箱不存在或已过期/失效
	ErrMailboxUnavailable = errors.New("mailbox unavailable")
	// ErrAddressInUse 指定地址已被激活邮箱占用
	ErrAddressInUse = errors.New("address already in use")
	// ErrInvalidTTL 生存时间不合法
	ErrInvalidTTL = errors.New("ttl must be positive")
)

// MailboxService 人工开通路径的邮箱管理。
//
// 与接收管道的自动开通相比，人工开通使用更长的默认 TTL，且地址
// 冲突直接报错而不是读回已有行（用户要的是一个新邮箱）。
type MailboxService struct {
	store         storage.Store
	cache         MailboxCache
	metrics       *monitoring.Metrics
	logger        *zap.Logger
	defaultDomain string
	defaultTTL    time.Duration
}

// NewMailboxService 创建邮箱管理服务；cache 可为 nil。
func NewMailboxService(store storage.Store, cache MailboxCache, metrics *monitoring.Metrics, logger *zap.Logger, defaultDomain string, defaultTTL time.Duration) *MailboxService {
	return &MailboxService{
		store:         store,
		cache:         cache,
		metrics:       metrics,
		logger:        logger,
		defaultDomain: defaultDomain,
		defaultTTL:    defaultTTL,
	}
}

// Provision 开通一个新邮箱。
//
// localPart 为空时随机生成；随机地址撞上已有激活地址的概率可以
// 忽略，但仍重试一次兜底。
func (s *MailboxService) Provision(localPart string) (*domain.Mailbox, error) {
	if localPart != "" {
		return s.create(localPart)
	}

	for attempt := 0; attempt < 2; attempt++ {
		mailbox, err := s.create(randomLocalPart())
		if err == nil || !errors.Is(err, ErrAddressInUse) {
			return mailbox, err
		}
	}
	return nil, ErrAddressInUse
}

func (s *MailboxService) create(localPart string) (*domain.Mailbox, error) {
	address := NormalizeAddress(fmt.Sprintf("%s@%s", localPart, s.defaultDomain))
	now := time.Now()
	active := address
	mailbox := &domain.Mailbox{
		ID:            uuid.NewString(),
		Address:       address,
		ActiveAddress: &active,
		LocalPart:     NormalizeAddress(localPart),
		Domain:        s.defaultDomain,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.defaultTTL),
		IsActive:      true,
	}

	if err := s.store.CreateMailbox(mailbox); err != nil {
		if errors.Is(err, storage.ErrAddressTaken) {
			return nil, ErrAddressInUse
		}
		return nil, err
	}

	s.metrics.RecordProvision()
	s.logger.Info("mailbox provisioned",
		zap.String("mailbox_id", mailbox.ID),
		zap.String("address", address),
		zap.Time("expires_at", mailbox.ExpiresAt),
	)
	return mailbox, nil
}

// Get 返回邮箱；已过期的邮箱在触达时惰性失效并按不存在处理，
// 与接收路径使用同一判定。
func (s *MailboxService) Get(id string) (*domain.Mailbox, error) {
	mailbox, err := s.store.GetMailbox(id)
	if err != nil {
		if errors.Is(err, storage.ErrMailboxNotFound) {
			return nil, ErrMailboxUnavailable
		}
		return nil, err
	}

	now := time.Now()
	if !domain.MailboxUsable(mailbox, now) {
		if mailbox.IsActive && domain.MailboxExpired(mailbox, now) {
			if err := s.store.DeactivateMailbox(mailbox.ID); err != nil && !errors.Is(err, storage.ErrMailboxNotFound) {
				s.logger.Warn("lazy expiry deactivation failed", zap.String("mailbox_id", mailbox.ID), zap.Error(err))
			}
			s.metrics.RecordLazyExpiry()
		}
		return nil, ErrMailboxUnavailable
	}
	return mailbox, nil
}

// Extend 延长邮箱生存时间。
func (s *MailboxService) Extend(id string, extension time.Duration) (*domain.Mailbox, error) {
	if extension <= 0 {
		return nil, ErrInvalidTTL
	}

	mailbox, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	expiresAt := mailbox.ExpiresAt.Add(extension)
	if err := s.store.UpdateMailboxExpiry(mailbox.ID, expiresAt); err != nil {
		if errors.Is(err, storage.ErrMailboxNotFound) {
			return nil, ErrMailboxUnavailable
		}
		return nil, err
	}
	mailbox.ExpiresAt = expiresAt
	return mailbox, nil
}

// Delete 删除邮箱并级联删除其全部邮件。
//
// 地址缓存条目指向被删的行，必须一并失效，否则缓存命中会把后续
// 投递继续解析到已删除的邮箱上。
func (s *MailboxService) Delete(ctx context.Context, id string) error {
	mailbox, err := s.store.GetMailbox(id)
	if err != nil {
		if errors.Is(err, storage.ErrMailboxNotFound) {
			return ErrMailboxUnavailable
		}
		return err
	}

	if err := s.store.DeleteMailbox(id); err != nil {
		if errors.Is(err, storage.ErrMailboxNotFound) {
			return ErrMailboxUnavailable
		}
		return err
	}

	if s.cache != nil && mailbox.ActiveAddress != nil {
		if err := s.cache.InvalidateMailbox(ctx, *mailbox.ActiveAddress); err != nil {
			s.logger.Debug("mailbox cache invalidation failed",
				zap.String("mailbox_id", id), zap.Error(err))
		}
	}
	return nil
}

// List 返回全部邮箱（管理用途，不做过期过滤）。
func (s *MailboxService) List() []domain.Mailbox {
	return s.store.ListMailboxes()
}

const localPartAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// randomLocalPart 生成 12 位随机本地部分。
func randomLocalPart() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	for i, b := range buf {
		buf[i] = localPartAlphabet[int(b)%len(localPartAlphabet)]
	}
	return string(buf)
}
