package sql

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/storage"
)

// Store SQL 数据库存储实现（支持 MySQL 5.7+ 和 PostgreSQL）
//
// 去重依赖两条唯一索引：mailboxes.active_address 和
// messages(mailbox_id, upstream_message_id)。驱动报出的唯一键冲突在
// 这里翻译成 storage 包的哨兵错误，上层据此走 insert-or-fetch /
// dedup-or-discard，不需要应用级锁。
type Store struct {
	db         *sql.DB
	gormDB     *gorm.DB // GORM 实例，用于迁移
	driverName string   // "mysql" or "postgres"
}

// NewStore 创建 SQL 数据库存储
func NewStore(
	driverName string,
	dsn string,
	maxOpenConns int,
	maxIdleConns int,
	connMaxLifetime time.Duration,
) (*Store, error) {
	if driverName != "mysql" && driverName != "postgres" {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", driverName)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var gormDB *gorm.DB
	if driverName == "mysql" {
		gormDB, err = gorm.Open(mysql.New(mysql.Config{Conn: db}), gormConfig)
	} else {
		gormDB, err = gorm.Open(postgres.New(postgres.Config{Conn: db}), gormConfig)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	store := &Store{
		db:         db,
		gormDB:     gormDB,
		driverName: driverName,
	}

	// 自动执行数据库迁移
	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Migrate 执行数据库迁移（使用 GORM AutoMigrate）
func (s *Store) Migrate() error {
	return s.gormDB.AutoMigrate(
		&domain.Mailbox{},
		&domain.Message{},
		&domain.Attachment{},
	)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health 检查数据库健康状态
func (s *Store) Health() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.Ping()
}

// placeholder 根据数据库类型返回占位符
func (s *Store) placeholder(n int) string {
	if s.driverName == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// isDuplicateKey 判断错误是否为唯一键冲突
func isDuplicateKey(err error) bool {
	var mysqlErr *gomysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// ========== Mailbox Repository ==========

const mailboxColumns = `id, address, active_address, local_part, domain, created_at, expires_at, is_active, message_count`

// CreateMailbox 插入新邮箱；激活地址冲突时返回 ErrAddressTaken。
func (s *Store) CreateMailbox(mailbox *domain.Mailbox) error {
	query := fmt.Sprintf(
		`INSERT INTO mailboxes (%s) VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		mailboxColumns,
		s.placeholder(1), s.placeholder(2), s.placeholder(3),
		s.placeholder(4), s.placeholder(5), s.placeholder(6),
		s.placeholder(7), s.placeholder(8), s.placeholder(9),
	)
	_, err := s.db.Exec(query,
		mailbox.ID, mailbox.Address, mailbox.ActiveAddress,
		mailbox.LocalPart, mailbox.Domain, mailbox.CreatedAt,
		mailbox.ExpiresAt, mailbox.IsActive, mailbox.MessageCount,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return storage.ErrAddressTaken
		}
		return fmt.Errorf("create mailbox: %w", err)
	}
	return nil
}

func (s *Store) scanMailbox(row *sql.Row) (*domain.Mailbox, error) {
	var m domain.Mailbox
	err := row.Scan(
		&m.ID, &m.Address, &m.ActiveAddress, &m.LocalPart, &m.Domain,
		&m.CreatedAt, &m.ExpiresAt, &m.IsActive, &m.MessageCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrMailboxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan mailbox: %w", err)
	}
	return &m, nil
}

// GetMailbox 根据 ID 获取邮箱。
func (s *Store) GetMailbox(id string) (*domain.Mailbox, error) {
	query := fmt.Sprintf(`SELECT %s FROM mailboxes WHERE id = %s`, mailboxColumns, s.placeholder(1))
	return s.scanMailbox(s.db.QueryRow(query, id))
}

// GetMailboxByAddress 根据激活地址获取邮箱。
func (s *Store) GetMailboxByAddress(address string) (*domain.Mailbox, error) {
	query := fmt.Sprintf(`SELECT %s FROM mailboxes WHERE active_address = %s`, mailboxColumns, s.placeholder(1))
	return s.scanMailbox(s.db.QueryRow(query, address))
}

// UpdateMailboxExpiry 延长邮箱有效期。
func (s *Store) UpdateMailboxExpiry(id string, expiresAt time.Time) error {
	query := fmt.Sprintf(`UPDATE mailboxes SET expires_at = %s WHERE id = %s`,
		s.placeholder(1), s.placeholder(2))
	result, err := s.db.Exec(query, expiresAt, id)
	if err != nil {
		return fmt.Errorf("update mailbox expiry: %w", err)
	}
	return requireAffected(result, storage.ErrMailboxNotFound)
}

// DeactivateMailbox 标记邮箱失效并释放激活地址（置 NULL 以释放唯一索引）。
func (s *Store) DeactivateMailbox(id string) error {
	query := fmt.Sprintf(`UPDATE mailboxes SET is_active = FALSE, active_address = NULL WHERE id = %s`,
		s.placeholder(1))
	result, err := s.db.Exec(query, id)
	if err != nil {
		return fmt.Errorf("deactivate mailbox: %w", err)
	}
	return requireAffected(result, storage.ErrMailboxNotFound)
}

// IncrementMessageCount 存储侧原子自增邮件计数。
func (s *Store) IncrementMessageCount(id string) error {
	query := fmt.Sprintf(`UPDATE mailboxes SET message_count = message_count + 1 WHERE id = %s`,
		s.placeholder(1))
	result, err := s.db.Exec(query, id)
	if err != nil {
		return fmt.Errorf("increment message count: %w", err)
	}
	return requireAffected(result, storage.ErrMailboxNotFound)
}

// ListMailboxes 返回全部邮箱快照，按创建时间倒序。
func (s *Store) ListMailboxes() []domain.Mailbox {
	query := fmt.Sprintf(`SELECT %s FROM mailboxes ORDER BY created_at DESC`, mailboxColumns)
	rows, err := s.db.Query(query)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []domain.Mailbox
	for rows.Next() {
		var m domain.Mailbox
		if err := rows.Scan(
			&m.ID, &m.Address, &m.ActiveAddress, &m.LocalPart, &m.Domain,
			&m.CreatedAt, &m.ExpiresAt, &m.IsActive, &m.MessageCount,
		); err != nil {
			return out
		}
		out = append(out, m)
	}
	return out
}

// DeleteMailbox 删除邮箱并级联删除其邮件与附件元数据。
func (s *Store) DeleteMailbox(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete mailbox: %w", err)
	}
	defer tx.Rollback()

	attQuery := fmt.Sprintf(
		`DELETE FROM attachments WHERE message_id IN (SELECT id FROM messages WHERE mailbox_id = %s)`,
		s.placeholder(1))
	if _, err := tx.Exec(attQuery, id); err != nil {
		return fmt.Errorf("delete attachments: %w", err)
	}

	msgQuery := fmt.Sprintf(`DELETE FROM messages WHERE mailbox_id = %s`, s.placeholder(1))
	if _, err := tx.Exec(msgQuery, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}

	boxQuery := fmt.Sprintf(`DELETE FROM mailboxes WHERE id = %s`, s.placeholder(1))
	result, err := tx.Exec(boxQuery, id)
	if err != nil {
		return fmt.Errorf("delete mailbox: %w", err)
	}
	if err := requireAffected(result, storage.ErrMailboxNotFound); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteExpiredMailboxes 删除 before 之前到期的邮箱，返回删除数量。
func (s *Store) DeleteExpiredMailboxes(before time.Time) (int, error) {
	idQuery := fmt.Sprintf(`SELECT id FROM mailboxes WHERE expires_at <= %s`, s.placeholder(1))
	rows, err := s.db.Query(idQuery, before)
	if err != nil {
		return 0, fmt.Errorf("list expired mailboxes: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired mailbox: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	deleted := 0
	for _, id := range ids {
		if err := s.DeleteMailbox(id); err != nil {
			if errors.Is(err, storage.ErrMailboxNotFound) {
				continue // 已被并发清理
			}
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// ========== Message Repository ==========

const messageColumns = `id, public_id, mailbox_id, upstream_message_id, from_name, from_address, to_address, subject, plain_body, html_body, has_attachment, attachment_count, degraded, sent_at, received_at, is_read`

// SaveMessage 插入邮件及其附件元数据；去重键冲突时返回 ErrDuplicateDelivery。
func (s *Store) SaveMessage(message *domain.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	defer tx.Rollback()

	placeholders := make([]interface{}, 0, 16)
	query := fmt.Sprintf(
		`INSERT INTO messages (%s) VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		messageColumns,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
		s.placeholder(5), s.placeholder(6), s.placeholder(7), s.placeholder(8),
		s.placeholder(9), s.placeholder(10), s.placeholder(11), s.placeholder(12),
		s.placeholder(13), s.placeholder(14), s.placeholder(15), s.placeholder(16),
	)
	placeholders = append(placeholders,
		message.ID, message.PublicID, message.MailboxID, message.UpstreamMessageID,
		message.FromName, message.FromAddress, message.ToAddress, message.Subject,
		message.PlainBody, message.HTMLBody, message.HasAttachment, message.AttachmentCount,
		message.Degraded, message.SentAt, message.ReceivedAt, message.IsRead,
	)
	if _, err := tx.Exec(query, placeholders...); err != nil {
		if isDuplicateKey(err) {
			return storage.ErrDuplicateDelivery
		}
		return fmt.Errorf("insert message: %w", err)
	}

	attQuery := fmt.Sprintf(
		`INSERT INTO attachments (id, message_id, filename, content_type, size) VALUES (%s, %s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5),
	)
	for _, att := range message.Attachments {
		if _, err := tx.Exec(attQuery, att.ID, message.ID, att.Filename, att.ContentType, att.Size); err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) scanMessage(row *sql.Row) (*domain.Message, error) {
	var m domain.Message
	err := row.Scan(
		&m.ID, &m.PublicID, &m.MailboxID, &m.UpstreamMessageID,
		&m.FromName, &m.FromAddress, &m.ToAddress, &m.Subject,
		&m.PlainBody, &m.HTMLBody, &m.HasAttachment, &m.AttachmentCount,
		&m.Degraded, &m.SentAt, &m.ReceivedAt, &m.IsRead,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	return &m, nil
}

// GetMessage 获取单封邮件（含附件元数据）。
func (s *Store) GetMessage(mailboxID, messageID string) (*domain.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE mailbox_id = %s AND id = %s`,
		messageColumns, s.placeholder(1), s.placeholder(2))
	message, err := s.scanMessage(s.db.QueryRow(query, mailboxID, messageID))
	if err != nil {
		return nil, err
	}
	if err := s.loadAttachments(message); err != nil {
		return nil, err
	}
	return message, nil
}

// GetMessageByPublicID 根据外部公开标识获取邮件。
func (s *Store) GetMessageByPublicID(publicID string) (*domain.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE public_id = %s`,
		messageColumns, s.placeholder(1))
	message, err := s.scanMessage(s.db.QueryRow(query, publicID))
	if err != nil {
		return nil, err
	}
	if err := s.loadAttachments(message); err != nil {
		return nil, err
	}
	return message, nil
}

// GetMessageByUpstreamID 按去重键查找邮件。
func (s *Store) GetMessageByUpstreamID(mailboxID, upstreamID string) (*domain.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE mailbox_id = %s AND upstream_message_id = %s`,
		messageColumns, s.placeholder(1), s.placeholder(2))
	return s.scanMessage(s.db.QueryRow(query, mailboxID, upstreamID))
}

// ListMessages 列出邮箱内全部邮件，按接收时间倒序。
func (s *Store) ListMessages(mailboxID string) ([]domain.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE mailbox_id = %s ORDER BY received_at DESC`,
		messageColumns, s.placeholder(1))
	rows, err := s.db.Query(query, mailboxID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Message, 0)
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(
			&m.ID, &m.PublicID, &m.MailboxID, &m.UpstreamMessageID,
			&m.FromName, &m.FromAddress, &m.ToAddress, &m.Subject,
			&m.PlainBody, &m.HTMLBody, &m.HasAttachment, &m.AttachmentCount,
			&m.Degraded, &m.SentAt, &m.ReceivedAt, &m.IsRead,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkMessageRead 标记邮件已读。
func (s *Store) MarkMessageRead(mailboxID, messageID string) error {
	query := fmt.Sprintf(`UPDATE messages SET is_read = TRUE WHERE mailbox_id = %s AND id = %s`,
		s.placeholder(1), s.placeholder(2))
	result, err := s.db.Exec(query, mailboxID, messageID)
	if err != nil {
		return fmt.Errorf("mark message read: %w", err)
	}
	return requireAffected(result, storage.ErrMessageNotFound)
}

// DeleteMessage 删除单封邮件及其附件元数据。
func (s *Store) DeleteMessage(mailboxID, messageID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	defer tx.Rollback()

	attQuery := fmt.Sprintf(`DELETE FROM attachments WHERE message_id = %s`, s.placeholder(1))
	if _, err := tx.Exec(attQuery, messageID); err != nil {
		return fmt.Errorf("delete attachments: %w", err)
	}

	msgQuery := fmt.Sprintf(`DELETE FROM messages WHERE mailbox_id = %s AND id = %s`,
		s.placeholder(1), s.placeholder(2))
	result, err := tx.Exec(msgQuery, mailboxID, messageID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if err := requireAffected(result, storage.ErrMessageNotFound); err != nil {
		return err
	}
	return tx.Commit()
}

// loadAttachments 加载邮件的附件元数据。
func (s *Store) loadAttachments(message *domain.Message) error {
	query := fmt.Sprintf(
		`SELECT id, message_id, filename, content_type, size FROM attachments WHERE message_id = %s`,
		s.placeholder(1))
	rows, err := s.db.Query(query, message.ID)
	if err != nil {
		return fmt.Errorf("load attachments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var att domain.Attachment
		if err := rows.Scan(&att.ID, &att.MessageID, &att.Filename, &att.ContentType, &att.Size); err != nil {
			return fmt.Errorf("scan attachment: %w", err)
		}
		message.Attachments = append(message.Attachments, att)
	}
	return rows.Err()
}

// requireAffected 把零影响行数翻译为 notFound 哨兵错误。
func requireAffected(result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notFound
	}
	return nil
}
