package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/storage/memory"
)

func newTestMailboxService() (*MailboxService, *memory.Store) {
	store := memory.NewStore()
	return NewMailboxService(store, nil, nil, zap.NewNop(), "temp-mail.com", 10*time.Minute), store
}

// fakeMailboxCache 内存版地址缓存，记录条目供断言。
type fakeMailboxCache struct {
	mu      sync.Mutex
	entries map[string]*domain.Mailbox
}

func newFakeMailboxCache() *fakeMailboxCache {
	return &fakeMailboxCache{entries: make(map[string]*domain.Mailbox)}
}

func (f *fakeMailboxCache) GetCachedMailbox(_ context.Context, address string) *domain.Mailbox {
	f.mu.Lock()
	defer f.mu.Unlock()
	mailbox, ok := f.entries[address]
	if !ok {
		return nil
	}
	clone := *mailbox
	return &clone
}

func (f *fakeMailboxCache) CacheMailbox(_ context.Context, mailbox *domain.Mailbox, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mailbox.ActiveAddress != nil {
		clone := *mailbox
		f.entries[*mailbox.ActiveAddress] = &clone
	}
	return nil
}

func (f *fakeMailboxCache) InvalidateMailbox(_ context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, address)
	return nil
}

func TestMailboxService_Provision(t *testing.T) {
	t.Run("随机地址", func(t *testing.T) {
		svc, _ := newTestMailboxService()

		mailbox, err := svc.Provision("")
		require.NoError(t, err)

		assert.Len(t, mailbox.LocalPart, 12)
		assert.Equal(t, mailbox.LocalPart+"@temp-mail.com", mailbox.Address)
		assert.True(t, mailbox.IsActive)
		assert.WithinDuration(t, time.Now().Add(10*time.Minute), mailbox.ExpiresAt, 5*time.Second)
	})

	t.Run("指定本地部分", func(t *testing.T) {
		svc, _ := newTestMailboxService()

		mailbox, err := svc.Provision("MyBox")
		require.NoError(t, err)
		assert.Equal(t, "mybox@temp-mail.com", mailbox.Address)
	})

	t.Run("占用地址报错", func(t *testing.T) {
		svc, _ := newTestMailboxService()

		_, err := svc.Provision("taken")
		require.NoError(t, err)
		_, err = svc.Provision("taken")
		assert.ErrorIs(t, err, ErrAddressInUse)
	})
}

func TestMailboxService_GetExpiryGating(t *testing.T) {
	svc, store := newTestMailboxService()

	mailbox, err := svc.Provision("short")
	require.NoError(t, err)

	got, err := svc.Get(mailbox.ID)
	require.NoError(t, err)
	assert.Equal(t, mailbox.ID, got.ID)

	// 过期后按不存在处理，且触达时惰性失效
	require.NoError(t, store.UpdateMailboxExpiry(mailbox.ID, time.Now().Add(-time.Second)))

	_, err = svc.Get(mailbox.ID)
	assert.ErrorIs(t, err, ErrMailboxUnavailable)

	row, err := store.GetMailbox(mailbox.ID)
	require.NoError(t, err)
	assert.False(t, row.IsActive)
}

func TestMailboxService_Extend(t *testing.T) {
	svc, _ := newTestMailboxService()

	mailbox, err := svc.Provision("extend")
	require.NoError(t, err)

	extended, err := svc.Extend(mailbox.ID, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, mailbox.ExpiresAt.Add(30*time.Minute), extended.ExpiresAt)

	_, err = svc.Extend(mailbox.ID, -time.Minute)
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func TestMailboxService_Delete(t *testing.T) {
	svc, store := newTestMailboxService()
	ctx := context.Background()

	mailbox, err := svc.Provision("doomed")
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, mailbox.ID))

	assert.Empty(t, store.ListMailboxes())
	assert.ErrorIs(t, svc.Delete(ctx, mailbox.ID), ErrMailboxUnavailable)
}

func TestMailboxService_DeleteInvalidatesAddressCache(t *testing.T) {
	store := memory.NewStore()
	cache := newFakeMailboxCache()
	directory := NewDirectory(store, cache, nil, zap.NewNop(), time.Hour)
	svc := NewMailboxService(store, cache, nil, zap.NewNop(), "temp-mail.com", 10*time.Minute)
	ctx := context.Background()

	first, err := directory.Resolve(ctx, "victim@temp-mail.com")
	require.NoError(t, err)
	require.NotNil(t, cache.GetCachedMailbox(ctx, "victim@temp-mail.com"))

	require.NoError(t, svc.Delete(ctx, first.ID))
	assert.Nil(t, cache.GetCachedMailbox(ctx, "victim@temp-mail.com"),
		"删除后地址缓存必须失效")

	// 后续投递为该地址开通新邮箱，而不是命中指向已删行的缓存
	second, err := directory.Resolve(ctx, "victim@temp-mail.com")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	_, err = store.GetMailbox(second.ID)
	assert.NoError(t, err)
}
