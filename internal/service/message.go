package service

import (
	"errors"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/storage"
)

// ErrMessageUnavailable 邮件不存在
var ErrMessageUnavailable = errors.New("message unavailable")

// MessageService 读取侧的邮件访问。
//
// 列表和读取都先经过 MailboxService.Get 的过期判定，读取路径和
// 接收路径对邮箱有效性的口径保持一致。
type MessageService struct {
	store     storage.Store
	mailboxes *MailboxService
}

// NewMessageService 创建邮件读取服务。
func NewMessageService(store storage.Store, mailboxes *MailboxService) *MessageService {
	return &MessageService{store: store, mailboxes: mailboxes}
}

// List 返回邮箱内全部邮件，按接收时间倒序。
func (s *MessageService) List(mailboxID string) ([]domain.Message, error) {
	if _, err := s.mailboxes.Get(mailboxID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(mailboxID)
}

// Get 按内部 ID 读取单封邮件。
func (s *MessageService) Get(mailboxID, messageID string) (*domain.Message, error) {
	if _, err := s.mailboxes.Get(mailboxID); err != nil {
		return nil, err
	}
	message, err := s.store.GetMessage(mailboxID, messageID)
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			return nil, ErrMessageUnavailable
		}
		return nil, err
	}
	return message, nil
}

// GetByPublicID 按对外标识读取单封邮件（分享链接场景，不校验
// 邮箱有效性——标识本身不可猜测）。
func (s *MessageService) GetByPublicID(publicID string) (*domain.Message, error) {
	message, err := s.store.GetMessageByPublicID(publicID)
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			return nil, ErrMessageUnavailable
		}
		return nil, err
	}
	return message, nil
}

// MarkRead 标记邮件为已读。
func (s *MessageService) MarkRead(mailboxID, messageID string) error {
	if err := s.store.MarkMessageRead(mailboxID, messageID); err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			return ErrMessageUnavailable
		}
		return err
	}
	return nil
}

// Delete 删除单封邮件。
func (s *MessageService) Delete(mailboxID, messageID string) error {
	if err := s.store.DeleteMessage(mailboxID, messageID); err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			return ErrMessageUnavailable
		}
		return err
	}
	return nil
}
