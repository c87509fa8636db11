package domain

// Attachment 附件元数据。正文字节在解析阶段即丢弃，只保留描述信息。
type Attachment struct {
	ID          string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MessageID   string `json:"messageId" gorm:"type:varchar(36);index;not null"`
	Filename    string `json:"filename" gorm:"type:varchar(255)"`
	ContentType string `json:"contentType" gorm:"type:varchar(100)"`
	Size        int64  `json:"size"`
}
