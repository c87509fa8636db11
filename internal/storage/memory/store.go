package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/storage"
)

// Store 使用内存保存邮箱与邮件数据，主要用于开发验证和测试。
//
// 两个并发竞争点与 SQL 实现保持一致的语义：
//   - byAddress 只索引激活邮箱，CreateMailbox 冲突返回 ErrAddressTaken；
//   - byDedup 按 "mailboxID\x00upstreamID" 索引，SaveMessage 冲突返回
//     ErrDuplicateDelivery。
type Store struct {
	mu        sync.RWMutex
	mailboxes map[string]*domain.Mailbox
	byAddress map[string]string                     // 激活地址 -> mailboxID
	messages  map[string]map[string]*domain.Message // mailboxID -> messageID -> message
	byPublic  map[string]*domain.Message            // publicID -> message
	byDedup   map[string]string                     // 去重键 -> messageID
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		mailboxes: make(map[string]*domain.Mailbox),
		byAddress: make(map[string]string),
		messages:  make(map[string]map[string]*domain.Message),
		byPublic:  make(map[string]*domain.Message),
		byDedup:   make(map[string]string),
	}
}

func dedupKey(mailboxID, upstreamID string) string {
	return mailboxID + "\x00" + upstreamID
}

// CreateMailbox 保存新邮箱；激活地址被占用时返回 ErrAddressTaken。
func (s *Store) CreateMailbox(mailbox *domain.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mailbox.ActiveAddress != nil {
		if _, taken := s.byAddress[*mailbox.ActiveAddress]; taken {
			return storage.ErrAddressTaken
		}
		s.byAddress[*mailbox.ActiveAddress] = mailbox.ID
	}

	clone := *mailbox
	s.mailboxes[mailbox.ID] = &clone
	return nil
}

// GetMailbox 根据 ID 获取邮箱。
func (s *Store) GetMailbox(id string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mailbox, ok := s.mailboxes[id]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	clone := *mailbox
	return &clone, nil
}

// GetMailboxByAddress 根据激活地址获取邮箱。
func (s *Store) GetMailboxByAddress(address string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAddress[strings.ToLower(address)]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	clone := *s.mailboxes[id]
	return &clone, nil
}

// UpdateMailboxExpiry 延长邮箱有效期。
func (s *Store) UpdateMailboxExpiry(id string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mailbox, ok := s.mailboxes[id]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	mailbox.ExpiresAt = expiresAt
	return nil
}

// DeactivateMailbox 标记邮箱失效并释放激活地址。
func (s *Store) DeactivateMailbox(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deactivateLocked(id)
}

func (s *Store) deactivateLocked(id string) error {
	mailbox, ok := s.mailboxes[id]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	mailbox.IsActive = false
	if mailbox.ActiveAddress != nil {
		if owner, ok := s.byAddress[*mailbox.ActiveAddress]; ok && owner == id {
			delete(s.byAddress, *mailbox.ActiveAddress)
		}
		mailbox.ActiveAddress = nil
	}
	return nil
}

// IncrementMessageCount 原子自增邮箱的邮件计数。
func (s *Store) IncrementMessageCount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mailbox, ok := s.mailboxes[id]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	mailbox.MessageCount++
	return nil
}

// ListMailboxes 返回全部邮箱快照。
func (s *Store) ListMailboxes() []domain.Mailbox {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Mailbox, 0, len(s.mailboxes))
	for _, mailbox := range s.mailboxes {
		out = append(out, *mailbox)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// DeleteMailbox 删除邮箱并级联删除其全部邮件。
func (s *Store) DeleteMailbox(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteMailboxLocked(id)
}

func (s *Store) deleteMailboxLocked(id string) error {
	mailbox, ok := s.mailboxes[id]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	if mailbox.ActiveAddress != nil {
		if owner, ok := s.byAddress[*mailbox.ActiveAddress]; ok && owner == id {
			delete(s.byAddress, *mailbox.ActiveAddress)
		}
	}
	for _, message := range s.messages[id] {
		delete(s.byPublic, message.PublicID)
		if message.UpstreamMessageID != nil {
			delete(s.byDedup, dedupKey(id, *message.UpstreamMessageID))
		}
	}
	delete(s.messages, id)
	delete(s.mailboxes, id)
	return nil
}

// DeleteExpiredMailboxes 删除 before 之前到期的邮箱，返回删除数量。
func (s *Store) DeleteExpiredMailboxes(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, mailbox := range s.mailboxes {
		if !mailbox.ExpiresAt.After(before) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		_ = s.deleteMailboxLocked(id)
	}
	return len(expired), nil
}

// SaveMessage 保存邮件；去重键冲突时返回 ErrDuplicateDelivery。
func (s *Store) SaveMessage(message *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mailboxes[message.MailboxID]; !ok {
		return storage.ErrMailboxNotFound
	}

	var key string
	if message.UpstreamMessageID != nil && *message.UpstreamMessageID != "" {
		key = dedupKey(message.MailboxID, *message.UpstreamMessageID)
		if _, exists := s.byDedup[key]; exists {
			return storage.ErrDuplicateDelivery
		}
	}

	clone := *message
	box, ok := s.messages[message.MailboxID]
	if !ok {
		box = make(map[string]*domain.Message)
		s.messages[message.MailboxID] = box
	}
	box[message.ID] = &clone
	s.byPublic[message.PublicID] = &clone
	if key != "" {
		s.byDedup[key] = message.ID
	}
	return nil
}

// GetMessage 获取单封邮件。
func (s *Store) GetMessage(mailboxID, messageID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	message, ok := s.messages[mailboxID][messageID]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	clone := *message
	return &clone, nil
}

// GetMessageByPublicID 根据外部公开标识获取邮件。
func (s *Store) GetMessageByPublicID(publicID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	message, ok := s.byPublic[publicID]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	clone := *message
	return &clone, nil
}

// GetMessageByUpstreamID 按去重键查找邮件。
func (s *Store) GetMessageByUpstreamID(mailboxID, upstreamID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messageID, ok := s.byDedup[dedupKey(mailboxID, upstreamID)]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	clone := *s.messages[mailboxID][messageID]
	return &clone, nil
}

// ListMessages 列出邮箱内全部邮件，按接收时间倒序。
func (s *Store) ListMessages(mailboxID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	box, ok := s.messages[mailboxID]
	if !ok {
		return []domain.Message{}, nil
	}
	out := make([]domain.Message, 0, len(box))
	for _, message := range box {
		out = append(out, *message)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	return out, nil
}

// MarkMessageRead 标记邮件已读。
func (s *Store) MarkMessageRead(mailboxID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	message, ok := s.messages[mailboxID][messageID]
	if !ok {
		return storage.ErrMessageNotFound
	}
	message.IsRead = true
	return nil
}

// DeleteMessage 删除单封邮件。
func (s *Store) DeleteMessage(mailboxID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	message, ok := s.messages[mailboxID][messageID]
	if !ok {
		return storage.ErrMessageNotFound
	}
	delete(s.byPublic, message.PublicID)
	if message.UpstreamMessageID != nil {
		delete(s.byDedup, dedupKey(mailboxID, *message.UpstreamMessageID))
	}
	delete(s.messages[mailboxID], messageID)
	return nil
}

// Close 实现 storage.Store 接口。
func (s *Store) Close() error { return nil }

// Health 实现 storage.Store 接口。
func (s *Store) Health() error { return nil }
