package hanabot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"net"
	"net/url"
	"strings"
	"time"
)

const (
	// Discord rejects timeouts of 28 days or longer
	maxTimeoutMinutes = 28*24*60 - 1

	defaultTimeoutOperator = "Hanachan AI"
	defaultTimeoutReason   = "AI 指令觸發"

	timeoutErrorNotPositive = "錯誤：持續時間必須是正整數（分鐘）。"
	timeoutErrorTooLong     = "錯誤：持續時間不能超過 28 天 (40319 分鐘)。"
	timeoutErrorFailed      = "禁言使用者 <@%s> 失敗。\n錯誤：%s"
	timeoutErrorUnexpected  = "禁言使用者 <@%s> 時發生未預期的錯誤: %s。請查看日誌。"
	timeoutHintPermissions  = "\n請檢查 Bot 是否擁有 'Moderate Members' (管理成員) 權限。"
	timeoutHintAccess       = "\n請檢查 Bot 是否能訪問該伺服器或頻道。"
	timeoutHintUnknown      = "\n找不到指定的使用者。"
	timeoutHintNetwork      = "\n(可能是網路連線問題或 Discord API 暫時無法訪問)"
	timeoutReasonFormat     = "由 %s 執行禁言操作: %s"
)

// Moderator can disable a guild member's ability to communicate
type Moderator interface {
	// DisableMemberUntil times out the member until the given time.
	// encodedReason is sent as the audit log reason, already escaped.
	DisableMemberUntil(
		ctx context.Context,
		guildID string,
		userID string,
		until time.Time,
		encodedReason string,
	) error
}

// TimeoutError describes a failed timeout. Message is suitable for
// display.
type TimeoutError struct {
	UserID  string
	Minutes int

	// Code is the discord JSON error code, if the API returned one
	Code    int
	Message string
	Err     error
}

func (e *TimeoutError) Error() string {
	return e.Message
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// ExecuteTimeout times out userID in guildID for the given number of
// minutes. The returned error, if any, is a *TimeoutError.
func ExecuteTimeout(
	ctx context.Context,
	moderator Moderator,
	guildID string,
	userID string,
	minutes int,
	reason string,
	operator string,
) error {
	logger := contextLoggerOr(ctx, nil)

	if minutes <= 0 {
		logger.WarnContext(ctx, "invalid timeout duration", "minutes", minutes)
		return &TimeoutError{UserID: userID, Minutes: minutes, Message: timeoutErrorNotPositive}
	}
	if minutes > maxTimeoutMinutes {
		logger.WarnContext(
			ctx,
			"timeout duration exceeds limit",
			"minutes", minutes,
			"max_minutes", maxTimeoutMinutes,
		)
		return &TimeoutError{UserID: userID, Minutes: minutes, Message: timeoutErrorTooLong}
	}
	if reason == "" {
		reason = defaultTimeoutReason
	}
	if operator == "" {
		operator = defaultTimeoutOperator
	}

	until := time.Now().UTC().Add(time.Duration(minutes) * time.Minute)
	encodedReason := quoteReason(fmt.Sprintf(timeoutReasonFormat, operator, reason))

	logger.InfoContext(
		ctx,
		"timing out member",
		"guild_id", guildID,
		"user_id", userID,
		"until", until.Format(time.RFC3339),
		"reason", reason,
		"operator", operator,
	)

	err := moderator.DisableMemberUntil(ctx, guildID, userID, until, encodedReason)
	if err == nil {
		logger.InfoContext(ctx, "member timed out", "user_id", userID, "minutes", minutes)
		return nil
	}

	timeoutErr := classifyTimeoutError(userID, minutes, err)
	logger.ErrorContext(
		ctx,
		"error timing out member",
		"user_id", userID,
		"code", timeoutErr.Code,
		tint.Err(err),
	)
	return timeoutErr
}

func classifyTimeoutError(userID string, minutes int, err error) *TimeoutError {
	timeoutErr := &TimeoutError{UserID: userID, Minutes: minutes, Err: err}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) {
		msg := restErr.Error()
		if restErr.Message != nil {
			timeoutErr.Code = restErr.Message.Code
			if restErr.Message.Message != "" {
				msg = restErr.Message.Message
			}
		}
		timeoutErr.Message = fmt.Sprintf(timeoutErrorFailed, userID, msg)
		switch timeoutErr.Code {
		case discordgo.ErrCodeMissingPermissions:
			timeoutErr.Message += timeoutHintPermissions
		case discordgo.ErrCodeMissingAccess:
			timeoutErr.Message += timeoutHintAccess
		case discordgo.ErrCodeUnknownMember:
			timeoutErr.Message += timeoutHintUnknown
		}
		return timeoutErr
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		timeoutErr.Message = fmt.Sprintf(timeoutErrorFailed, userID, err.Error()) + timeoutHintNetwork
		return timeoutErr
	}

	timeoutErr.Message = fmt.Sprintf(timeoutErrorUnexpected, userID, err.Error())
	return timeoutErr
}

// quoteReason percent-encodes s for the audit log reason header. Only
// unreserved characters and '/' are left as-is.
func quoteReason(s string) string {
	escaped := url.QueryEscape(s)
	escaped = strings.ReplaceAll(escaped, "+", "%20")
	return strings.ReplaceAll(escaped, "%2F", "/")
}
