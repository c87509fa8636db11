package domain

import "time"

// MailboxExpired 判断邮箱在 now 时刻是否已过期。
//
// 接收路径和读取路径使用同一个判定，保证两边对有效性永远一致。
// 过期边界取闭区间：now == ExpiresAt 即视为过期。
func MailboxExpired(mailbox *Mailbox, now time.Time) bool {
	return !now.Before(mailbox.ExpiresAt)
}

// MailboxUsable 判断邮箱当前是否可以接收/展示邮件。
func MailboxUsable(mailbox *Mailbox, now time.Time) bool {
	return mailbox.IsActive && !MailboxExpired(mailbox, now)
}
