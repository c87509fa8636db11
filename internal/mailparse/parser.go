// Package mailparse 把原始 MIME 字节解析成结构化邮件。
//
// 纯转换，不做任何 I/O；解析失败通过返回错误上报，绝不向外抛 panic。
// 调用方（接收管道）在失败时回落到传输层信封字段构造降级记录。
package mailparse

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

var (
	// ErrEmptyMessage 输入为空，完全无法解析
	ErrEmptyMessage = errors.New("empty message")
	// ErrNoSender 无法从头部提取任何发件人信息
	ErrNoSender = errors.New("no sender information")
)

// AttachmentInfo 附件描述信息。正文字节在解析时即丢弃，只留元数据。
type AttachmentInfo struct {
	Filename    string
	ContentType string
	Size        int64
}

// ParsedMail 表示解析后的邮件内容。
//
// 可选字段（主题、正文、日期）缺失时为零值，不构成解析失败。
type ParsedMail struct {
	FromName    string
	FromAddress string
	To          []string
	Subject     string
	Text        string
	HTML        string
	MessageID   string
	Date        *time.Time
	Attachments []AttachmentInfo
}

// Parse 解析原始邮件，提取信封、正文和附件元数据。
//
// 只有在输入整体无法按邮件结构解析（空输入、提不出发件人）时才
// 返回错误；正文/主题/日期缺失或乱码一律容忍。
func Parse(raw []byte) (*ParsedMail, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyMessage
	}

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse mail: %w", err)
	}

	fromName, fromAddress, err := parseSender(msg.Header.Get("From"))
	if err != nil {
		return nil, err
	}

	parsed := &ParsedMail{
		FromName:    fromName,
		FromAddress: fromAddress,
		To:          parseRecipients(msg.Header.Get("To")),
		Subject:     decodeHeader(msg.Header.Get("Subject")),
		MessageID:   parseMessageID(msg.Header.Get("Message-ID")),
		Attachments: make([]AttachmentInfo, 0),
	}

	if date, err := msg.Header.Date(); err == nil {
		utc := date.UTC()
		parsed.Date = &utc
	}

	contentType := msg.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// 没有 Content-Type 或解析失败，当作纯文本处理
		body, _ := io.ReadAll(msg.Body)
		parsed.Text = string(body)
		return parsed, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			// 声明了 multipart 却没有 boundary，按原样保留正文
			body, _ := io.ReadAll(msg.Body)
			parsed.Text = string(body)
			return parsed, nil
		}
		mr := multipart.NewReader(msg.Body, boundary)
		parseMultipart(mr, parsed)
	} else {
		body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err == nil {
			if strings.HasPrefix(mediaType, "text/html") {
				parsed.HTML = body
			} else {
				parsed.Text = body
			}
		}
	}

	return parsed, nil
}

// parseSender 从 From 头提取发件人名称和地址。
func parseSender(header string) (name, address string, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", "", ErrNoSender
	}
	addr, err := mail.ParseAddress(decodeHeader(header))
	if err != nil {
		// 不是标准格式但非空，整串当作地址用
		return "", header, nil
	}
	return addr.Name, addr.Address, nil
}

// parseMessageID 提取上游消息标识；<> 是 RFC 5322 的定界符，不属于
// 标识本身，去掉后再做去重键。
func parseMessageID(header string) string {
	return strings.Trim(strings.TrimSpace(header), "<>")
}

// parseRecipients 提取收件人地址列表；头部缺失或畸形时返回空列表。
func parseRecipients(header string) []string {
	out := make([]string, 0)
	if strings.TrimSpace(header) == "" {
		return out
	}
	addrs, err := mail.ParseAddressList(decodeHeader(header))
	if err != nil {
		return out
	}
	for _, addr := range addrs {
		out = append(out, addr.Address)
	}
	return out
}

// parseMultipart 递归解析多部分邮件。
//
// 单个 part 的失败只跳过该 part，不影响整封邮件。
func parseMultipart(mr *multipart.Reader, parsed *ParsedMail) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return
		}

		contentType := part.Header.Get("Content-Type")
		mediaType, params, err := mime.ParseMediaType(contentType)
		if err != nil {
			mediaType = "text/plain"
		}

		// 附件判定：Content-Disposition 为 attachment 或 inline 带文件名
		disposition := part.Header.Get("Content-Disposition")
		if disposition != "" {
			dispType, dispParams, _ := mime.ParseMediaType(disposition)
			if dispType == "attachment" || dispType == "inline" {
				filename := dispParams["filename"]
				if filename == "" {
					filename = params["name"]
				}
				if filename == "" {
					filename = "unnamed"
				}
				filename = decodeHeader(filename)

				parsed.Attachments = append(parsed.Attachments, AttachmentInfo{
					Filename:    filename,
					ContentType: mediaType,
					Size:        attachmentSize(part, part.Header.Get("Content-Transfer-Encoding")),
				})
				continue
			}
		}

		// 嵌套的 multipart
		if strings.HasPrefix(mediaType, "multipart/") {
			if boundary := params["boundary"]; boundary != "" {
				parseMultipart(multipart.NewReader(part, boundary), parsed)
			}
			continue
		}

		body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			continue
		}

		if strings.HasPrefix(mediaType, "text/html") {
			if parsed.HTML == "" {
				parsed.HTML = body
			}
		} else if strings.HasPrefix(mediaType, "text/plain") {
			if parsed.Text == "" {
				parsed.Text = body
			}
		}
	}
}

// attachmentSize 计算附件解码后的字节数，内容读完即丢。
func attachmentSize(reader io.Reader, transferEncoding string) int64 {
	var decoded io.Reader = reader
	if strings.EqualFold(strings.TrimSpace(transferEncoding), "base64") {
		decoded = base64.NewDecoder(base64.StdEncoding, reader)
	}
	n, _ := io.Copy(io.Discard, decoded)
	return n
}

// decodeBody 根据传输编码和字符集解码邮件体。
func decodeBody(reader io.Reader, transferEncoding string, charset string) (string, error) {
	transferEncoding = strings.ToLower(strings.TrimSpace(transferEncoding))

	var decoded io.Reader
	switch transferEncoding {
	case "base64":
		decoded = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		decoded = quotedprintable.NewReader(reader)
	default:
		// 7bit/8bit/binary/未知编码直接读取
		decoded = reader
	}

	body, err := io.ReadAll(decoded)
	if err != nil {
		return "", err
	}

	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset != "" && charset != "utf-8" && charset != "us-ascii" {
		if enc := charsetEncoding(charset); enc != nil {
			converted, _, err := transform.Bytes(enc.NewDecoder(), body)
			if err == nil {
				body = converted
			}
		}
	}

	return string(body), nil
}

// decodeHeader 解码 RFC 2047 编码的头部（=?charset?B?...?=）。
func decodeHeader(value string) string {
	decoder := mime.WordDecoder{
		CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
			if enc := charsetEncoding(strings.ToLower(charset)); enc != nil {
				return transform.NewReader(input, enc.NewDecoder()), nil
			}
			return input, nil
		},
	}
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// charsetEncoding 根据字符集名称返回编码器
func charsetEncoding(charset string) encoding.Encoding {
	switch charset {
	case "gb2312", "gbk", "gb18030":
		return simplifiedchinese.GBK
	case "big5":
		return traditionalchinese.Big5
	case "iso-2022-jp", "shift_jis", "euc-jp":
		return japanese.ShiftJIS
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	default:
		return nil
	}
}
