package smtp

import (
	"context"
	"io"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"mailsink/backend/internal/config"
	"mailsink/backend/internal/service"
)

// Backend 实现 go-smtp 的 Backend 接口。
//
// 这是一个只接收邮件的 SMTP 服务器：只接受发往本系统管理域名的
// 邮件，外部地址一律 550 拒绝，不做任何中继。与 Webhook 路径不同，
// SMTP 连接本身就是投递来源，收到的邮件直接进入接收管道的
// Accept 入口，不走共享密钥校验。
//
// 收件地址不要求邮箱已存在：管道会按需自动开通，这与 Webhook
// 路径的行为保持一致。
type Backend struct {
	pipeline *service.Pipeline
	domain   string
	logger   *zap.Logger
}

// NewBackend 创建 SMTP Backend。
func NewBackend(pipeline *service.Pipeline, domain string, logger *zap.Logger) *Backend {
	return &Backend{
		pipeline: pipeline,
		domain:   strings.ToLower(domain),
		logger:   logger,
	}
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	return &session{backend: b}, nil
}

type session struct {
	backend     *Backend
	fromAddress string
	recipients  []string
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, opts *gosmtp.MailOptions) error {
	s.fromAddress = normalizeEnvelope(from)
	return nil
}

// Rcpt 处理 RCPT 命令。
//
// 防中继的关键点：收件域名必须是本系统配置的域名，否则 550 拒绝。
// 域名内的任意本地部分都接受，邮箱在投递时按需开通。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := normalizeEnvelope(to)

	_, recipientDomain := service.SplitAddress(addr)
	if recipientDomain == "" {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	if !strings.EqualFold(recipientDomain, s.backend.domain) {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "relay access denied - domain not managed by this server",
		}
	}

	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 处理邮件内容，逐收件人进入接收管道。
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, rcpt := range s.recipients {
		result, err := s.backend.pipeline.Accept(ctx, rcpt, s.fromAddress, "", raw)
		if err != nil {
			s.backend.logger.Error("smtp delivery failed",
				zap.String("recipient", rcpt),
				zap.String("from", s.fromAddress),
				zap.Error(err),
			)
			return &gosmtp.SMTPError{
				Code:         451,
				EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
				Message:      "temporary delivery failure, try again later",
			}
		}
		if result.Duplicate {
			s.backend.logger.Info("smtp duplicate delivery discarded",
				zap.String("recipient", rcpt),
				zap.String("mailbox_id", result.MailboxID),
			)
		}
	}

	return nil
}

// Reset 重置会话状态。
func (s *session) Reset() {
	s.fromAddress = ""
	s.recipients = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	return nil
}

// NewServer 按配置构建只收不发的 SMTP 服务器。
func NewServer(backend *Backend, cfg *config.SMTPConfig) *gosmtp.Server {
	server := gosmtp.NewServer(backend)
	server.Addr = cfg.BindAddr
	server.Domain = cfg.Domain
	server.ReadTimeout = 60 * time.Second
	server.WriteTimeout = 60 * time.Second
	server.MaxMessageBytes = cfg.MaxMessageBytes
	server.MaxRecipients = 50
	server.AllowInsecureAuth = true
	return server
}

func normalizeEnvelope(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}
