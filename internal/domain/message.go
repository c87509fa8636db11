package domain

import "time"

// Message 表示投递到临时邮箱的一封邮件。
//
// UpstreamMessageID 是发件方在 Message-ID 头里声明的标识，作为
// (MailboxID, UpstreamMessageID) 去重键；不是所有邮件都带这个头，
// 为空时用 NULL 存储，不参与去重。
//
// ReceivedAt 由接收管道赋值，是展示排序的权威时间；SentAt 来自
// 发件方声明，不可信，可能缺失或乱序。
type Message struct {
	ID                string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	PublicID          string     `json:"publicId" gorm:"type:varchar(64);uniqueIndex"`
	MailboxID         string     `json:"mailboxId" gorm:"type:varchar(36);index;not null;uniqueIndex:idx_messages_dedup"`
	UpstreamMessageID *string    `json:"upstreamMessageId,omitempty" gorm:"type:varchar(255);uniqueIndex:idx_messages_dedup"`
	FromName          string     `json:"fromName" gorm:"type:varchar(255)"`
	FromAddress       string     `json:"fromAddress" gorm:"type:varchar(255)"`
	ToAddress         string     `json:"toAddress" gorm:"type:varchar(255)"`
	Subject           string     `json:"subject" gorm:"type:varchar(500)"`
	PlainBody         string     `json:"plainBody" gorm:"type:text"`
	HTMLBody          string     `json:"htmlBody" gorm:"type:text"`
	HasAttachment     bool       `json:"hasAttachment" gorm:"default:false"`
	AttachmentCount   int        `json:"attachmentCount" gorm:"default:0"`
	Degraded          bool       `json:"degraded" gorm:"default:false"`
	SentAt            *time.Time `json:"sentAt,omitempty"`
	ReceivedAt        time.Time  `json:"receivedAt" gorm:"index"`
	IsRead            bool       `json:"isRead" gorm:"default:false"`

	// 附件元数据（随消息级联保存/删除）
	Attachments []Attachment `json:"attachments,omitempty" gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE"`
}
