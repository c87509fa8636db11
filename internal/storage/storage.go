package storage

import (
	"errors"
	"time"

	"mailsink/backend/internal/domain"
)

var (
	// ErrMailboxNotFound 邮箱不存在
	ErrMailboxNotFound = errors.New("mailbox not found")
	// ErrMessageNotFound 邮件不存在
	ErrMessageNotFound = errors.New("message not found")
	// ErrAddressTaken 地址已被激活邮箱占用（唯一约束冲突）
	ErrAddressTaken = errors.New("address already taken")
	// ErrDuplicateDelivery (mailboxID, upstreamMessageID) 去重键冲突
	ErrDuplicateDelivery = errors.New("duplicate delivery")
)

// MailboxRepository 定义邮箱数据存取操作。
//
// CreateMailbox 在激活地址冲突时返回 ErrAddressTaken，调用方按
// "insert-or-fetch" 语义重新读取胜出方的行，不把冲突当错误。
type MailboxRepository interface {
	CreateMailbox(mailbox *domain.Mailbox) error
	GetMailbox(id string) (*domain.Mailbox, error)
	GetMailboxByAddress(address string) (*domain.Mailbox, error)
	UpdateMailboxExpiry(id string, expiresAt time.Time) error
	// DeactivateMailbox 将邮箱标记为终态并释放激活地址索引。
	DeactivateMailbox(id string) error
	// IncrementMessageCount 存储侧原子自增，避免读改写丢更新。
	IncrementMessageCount(id string) error
	ListMailboxes() []domain.Mailbox
	DeleteMailbox(id string) error
	DeleteExpiredMailboxes(before time.Time) (int, error)
}

// MessageRepository 定义邮件数据存取操作。
//
// SaveMessage 在去重键冲突时返回 ErrDuplicateDelivery；并发竞争中
// 输掉插入的一方据此按"已投递"处理。
type MessageRepository interface {
	SaveMessage(message *domain.Message) error
	GetMessage(mailboxID, messageID string) (*domain.Message, error)
	GetMessageByPublicID(publicID string) (*domain.Message, error)
	GetMessageByUpstreamID(mailboxID, upstreamID string) (*domain.Message, error)
	ListMessages(mailboxID string) ([]domain.Message, error)
	MarkMessageRead(mailboxID, messageID string) error
	DeleteMessage(mailboxID, messageID string) error
}

// Store 定义完整的存储接口。
type Store interface {
	MailboxRepository
	MessageRepository

	Close() error
	Health() error
}
