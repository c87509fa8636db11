package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"mailsink/backend/internal/domain"
)

// Cache 接收路径的 Redis 快路径。
//
// 两个用途都是尽力而为：Redis 不可用时调用方直接回落到数据库，
// 正确性始终由数据库唯一约束保证，缓存只省往返。
//
//   - 去重标记：已落库的 (mailboxID, upstreamID) 写一个带 TTL 的
//     SETNX 标记，重复投递不用查库即可识别；
//   - 邮箱缓存：按激活地址缓存邮箱行，减少热点地址的查询。
type Cache struct {
	client *goredis.Client
}

// NewCache 基于已有客户端创建缓存实例。
func NewCache(client *Client) *Cache {
	return &Cache{client: client.Client()}
}

// 上游 Message-ID 可能很长且含任意字符，键里只放哈希。
func dedupCacheKey(mailboxID, upstreamID string) string {
	sum := sha256.Sum256([]byte(upstreamID))
	return fmt.Sprintf("dedup:%s:%s", mailboxID, hex.EncodeToString(sum[:16]))
}

// MarkDelivered 记录去重标记。
func (c *Cache) MarkDelivered(ctx context.Context, mailboxID, upstreamID string, ttl time.Duration) error {
	return c.client.SetNX(ctx, dedupCacheKey(mailboxID, upstreamID), 1, ttl).Err()
}

// SeenDelivery 查询去重标记；任何 Redis 错误都按"未见过"处理。
func (c *Cache) SeenDelivery(ctx context.Context, mailboxID, upstreamID string) bool {
	n, err := c.client.Exists(ctx, dedupCacheKey(mailboxID, upstreamID)).Result()
	return err == nil && n > 0
}

func mailboxCacheKey(address string) string {
	return "mailbox:addr:" + address
}

// CacheMailbox 按激活地址缓存邮箱。
func (c *Cache) CacheMailbox(ctx context.Context, mailbox *domain.Mailbox, ttl time.Duration) error {
	if mailbox.ActiveAddress == nil {
		return nil
	}
	data, err := json.Marshal(mailbox)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, mailboxCacheKey(*mailbox.ActiveAddress), data, ttl).Err()
}

// GetCachedMailbox 读取地址缓存；未命中或出错返回 nil。
func (c *Cache) GetCachedMailbox(ctx context.Context, address string) *domain.Mailbox {
	data, err := c.client.Get(ctx, mailboxCacheKey(address)).Bytes()
	if err != nil {
		return nil
	}
	var mailbox domain.Mailbox
	if err := json.Unmarshal(data, &mailbox); err != nil {
		return nil
	}
	return &mailbox
}

// InvalidateMailbox 删除地址缓存（失效、删除、过期检出时调用）。
func (c *Cache) InvalidateMailbox(ctx context.Context, address string) error {
	return c.client.Del(ctx, mailboxCacheKey(address)).Err()
}
