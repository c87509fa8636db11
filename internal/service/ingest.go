package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/mailparse"
	"mailsink/backend/internal/monitoring"
	"mailsink/backend/internal/storage"
)

var (
	// ErrUnauthorized 共享密钥校验失败
	ErrUnauthorized = errors.New("webhook secret mismatch")
	// ErrMissingRecipient 请求缺少收件人
	ErrMissingRecipient = errors.New("recipient is required")
	// ErrMissingSender 请求缺少发件人
	ErrMissingSender = errors.New("sender is required")
)

// IngestRequest 一次入站投递请求。
//
// Subject 是传输层信封里随 raw 一起带来的主题，仅在 raw 解析失败
// 时作为降级记录的兜底字段使用。
type IngestRequest struct {
	Secret    string
	Recipient string
	Sender    string
	Subject   string
	Raw       []byte
}

// IngestResult 投递的终态。
//
// Duplicate 为 true 表示这次投递之前已经落库，本次未产生任何写入；
// 对上游而言重复投递不是错误，是幂等成功。
type IngestResult struct {
	Duplicate bool
	MessageID string
	PublicID  string
	MailboxID string
}

// Notifier 新邮件落库后的推送通知。
type Notifier interface {
	NotifyNewMessage(mailboxID string, message *domain.Message)
}

// Pipeline 入站邮件接收管道。
//
// 编排整条接收链路：鉴权、信封校验、邮箱解析、MIME 解码、去重、
// 落库、计数。除鉴权和信封校验外的每一步都设计成可自愈：解码失败
// 降级为信封记录，开通冲突读回胜出方，插入冲突按已投递处理，因此
// 上游 at-least-once 重试永远安全。
type Pipeline struct {
	directory *Directory
	dedup     *Deduplicator
	store     storage.Store
	notifier  Notifier
	metrics   *monitoring.Metrics
	logger    *zap.Logger
	secret    string
}

// NewPipeline 创建接收管道；notifier 可为 nil，secret 为空时跳过鉴权。
func NewPipeline(directory *Directory, dedup *Deduplicator, store storage.Store, notifier Notifier, metrics *monitoring.Metrics, logger *zap.Logger, secret string) *Pipeline {
	return &Pipeline{
		directory: directory,
		dedup:     dedup,
		store:     store,
		notifier:  notifier,
		metrics:   metrics,
		logger:    logger,
		secret:    secret,
	}
}

// Ingest 处理一次 Webhook 投递。
//
// 鉴权失败返回 ErrUnauthorized，且不做任何邮箱查询；信封缺字段
// 返回 ErrMissingRecipient / ErrMissingSender。其余错误均为存储层
// 故障，对上游可安全盲重试。
func (p *Pipeline) Ingest(ctx context.Context, req *IngestRequest) (*IngestResult, error) {
	if p.secret != "" {
		if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(p.secret)) != 1 {
			p.metrics.RecordDelivery("rejected", 0)
			return nil, ErrUnauthorized
		}
	}

	if req.Recipient == "" {
		p.metrics.RecordDelivery("rejected", 0)
		return nil, ErrMissingRecipient
	}
	if req.Sender == "" {
		p.metrics.RecordDelivery("rejected", 0)
		return nil, ErrMissingSender
	}

	return p.Accept(ctx, req.Recipient, req.Sender, req.Subject, req.Raw)
}

// Accept 处理一封已通过来源校验的邮件（Webhook 鉴权后，或 SMTP
// 收信路径直接进入）。
func (p *Pipeline) Accept(ctx context.Context, recipient, sender, subject string, raw []byte) (*IngestResult, error) {
	start := time.Now()

	mailbox, err := p.directory.Resolve(ctx, recipient)
	if err != nil {
		p.metrics.RecordPersistenceError()
		return nil, err
	}

	parsed, degraded := p.decode(recipient, sender, subject, raw)

	var upstreamID *string
	if parsed.MessageID != "" {
		id := parsed.MessageID
		upstreamID = &id
	}

	if upstreamID != nil && p.dedup.AlreadyDelivered(ctx, mailbox.ID, *upstreamID) {
		p.metrics.RecordDelivery("duplicate", time.Since(start))
		return &IngestResult{Duplicate: true, MailboxID: mailbox.ID}, nil
	}

	message := p.buildMessage(mailbox, parsed, sender, degraded, upstreamID)

	if err := p.store.SaveMessage(message); err != nil {
		if errors.Is(err, storage.ErrDuplicateDelivery) {
			// 并发竞争中输掉插入，按已投递处理
			p.metrics.RecordDelivery("duplicate", time.Since(start))
			return &IngestResult{Duplicate: true, MailboxID: mailbox.ID}, nil
		}
		p.metrics.RecordPersistenceError()
		return nil, err
	}

	if upstreamID != nil {
		p.dedup.MarkDelivered(ctx, mailbox.ID, *upstreamID, time.Until(mailbox.ExpiresAt))
	}

	// 计数是展示用途，落库失败不回滚消息，记日志即可
	if err := p.store.IncrementMessageCount(mailbox.ID); err != nil {
		p.logger.Warn("message count increment failed",
			zap.String("mailbox_id", mailbox.ID),
			zap.Error(err),
		)
	}

	if p.notifier != nil {
		p.notifier.NotifyNewMessage(mailbox.ID, message)
	}

	p.metrics.RecordDelivery("accepted", time.Since(start))
	p.logger.Info("message ingested",
		zap.String("mailbox_id", mailbox.ID),
		zap.String("message_id", message.ID),
		zap.String("from", message.FromAddress),
		zap.Bool("degraded", degraded),
	)

	return &IngestResult{
		MessageID: message.ID,
		PublicID:  message.PublicID,
		MailboxID: mailbox.ID,
	}, nil
}

// decode 解析原始邮件；解析失败时降级为信封字段构成的最小记录，
// 接收不会仅仅因为正文解析失败而被阻断。
func (p *Pipeline) decode(recipient, sender, subject string, raw []byte) (*mailparse.ParsedMail, bool) {
	parsed, err := mailparse.Parse(raw)
	if err == nil {
		return parsed, false
	}

	p.metrics.RecordDegradedDecode()
	p.logger.Warn("mail decode failed, recording transport envelope",
		zap.String("recipient", recipient),
		zap.String("sender", sender),
		zap.Error(err),
	)
	return &mailparse.ParsedMail{
		FromAddress: sender,
		To:          []string{recipient},
		Subject:     subject,
	}, true
}

func (p *Pipeline) buildMessage(mailbox *domain.Mailbox, parsed *mailparse.ParsedMail, sender string, degraded bool, upstreamID *string) *domain.Message {
	messageID := uuid.NewString()

	fromAddress := parsed.FromAddress
	if fromAddress == "" {
		fromAddress = sender
	}

	attachments := make([]domain.Attachment, 0, len(parsed.Attachments))
	for _, info := range parsed.Attachments {
		attachments = append(attachments, domain.Attachment{
			ID:          uuid.NewString(),
			MessageID:   messageID,
			Filename:    info.Filename,
			ContentType: info.ContentType,
			Size:        info.Size,
		})
	}

	return &domain.Message{
		ID:                messageID,
		PublicID:          newPublicID(),
		MailboxID:         mailbox.ID,
		UpstreamMessageID: upstreamID,
		FromName:          parsed.FromName,
		FromAddress:       fromAddress,
		ToAddress:         mailbox.Address,
		Subject:           parsed.Subject,
		PlainBody:         parsed.Text,
		HTMLBody:          parsed.HTML,
		HasAttachment:     len(attachments) > 0,
		AttachmentCount:   len(attachments),
		Degraded:          degraded,
		SentAt:            parsed.Date,
		ReceivedAt:        time.Now(),
		Attachments:       attachments,
	}
}

const publicIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// newPublicID 生成 16 位不可猜测的对外标识，与内部 ID 相互独立。
func newPublicID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand 不可用说明运行环境已不可信
		panic(err)
	}
	for i, b := range buf {
		buf[i] = publicIDAlphabet[int(b)%len(publicIDAlphabet)]
	}
	return string(buf)
}
