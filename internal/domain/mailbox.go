package domain

import (
	"time"
)

// Mailbox 表示一次性临时邮箱的业务实体。
//
// Address 是对外展示的完整地址；唯一性通过 ActiveAddress 保证：
// 邮箱处于激活状态时 ActiveAddress 与 Address 相同，失效后置为 NULL，
// 这样同一地址可以在旧行过期后重新开通一个新邮箱行（MySQL 和
// PostgreSQL 的唯一索引都忽略 NULL）。
type Mailbox struct {
	ID            string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Address       string    `json:"address" gorm:"type:varchar(255);index"`
	ActiveAddress *string   `json:"-" gorm:"type:varchar(255);uniqueIndex"`
	LocalPart     string    `json:"localPart" gorm:"type:varchar(255)"`
	Domain        string    `json:"domain" gorm:"type:varchar(100);index"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt" gorm:"index"`
	IsActive      bool      `json:"isActive" gorm:"default:true"`
	MessageCount  int       `json:"messageCount" gorm:"default:0"`
}
