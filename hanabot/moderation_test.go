package hanabot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"
)

type moderatorCall struct {
	GuildID       string
	UserID        string
	Until         time.Time
	EncodedReason string
}

// stubModerator records timeouts, failing with err if set
type stubModerator struct {
	mu    sync.Mutex
	calls []moderatorCall
	err   error
}

func (s *stubModerator) DisableMemberUntil(
	_ context.Context,
	guildID string,
	userID string,
	until time.Time,
	encodedReason string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(
		s.calls,
		moderatorCall{
			GuildID:       guildID,
			UserID:        userID,
			Until:         until,
			EncodedReason: encodedReason,
		},
	)
	return s.err
}

func (s *stubModerator) Calls() []moderatorCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]moderatorCall{}, s.calls...)
}

func newRESTError(code int, message string) *discordgo.RESTError {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusForbidden, Status: "403 Forbidden"},
		Message:  &discordgo.APIErrorMessage{Code: code, Message: message},
	}
}

func TestExecuteTimeout(t *testing.T) {
	ctx := context.Background()
	mod := &stubModerator{}

	start := time.Now().UTC()
	err := ExecuteTimeout(ctx, mod, "g1", "u1", 5, "too rude", "")
	end := time.Now().UTC()
	require.NoError(t, err)

	calls := mod.Calls()
	require.Len(t, calls, 1)
	call := calls[0]
	assert.Equal(t, "g1", call.GuildID)
	assert.Equal(t, "u1", call.UserID)
	assert.False(t, call.Until.Before(start.Add(5*time.Minute)))
	assert.False(t, call.Until.After(end.Add(5*time.Minute)))
	assert.Equal(t, time.UTC, call.Until.Location())

	decoded, err := url.PathUnescape(call.EncodedReason)
	require.NoError(t, err)
	assert.Equal(t, "由 Hanachan AI 執行禁言操作: too rude", decoded)
	assert.NotContains(t, call.EncodedReason, " ")
	assert.NotContains(t, call.EncodedReason, "+")
}

func TestExecuteTimeout_DefaultReason(t *testing.T) {
	mod := &stubModerator{}
	require.NoError(t, ExecuteTimeout(context.Background(), mod, "g1", "u1", 1, "", "owner"))

	decoded, err := url.PathUnescape(mod.Calls()[0].EncodedReason)
	require.NoError(t, err)
	assert.Equal(t, "由 owner 執行禁言操作: AI 指令觸發", decoded)
}

func TestExecuteTimeout_Duration(t *testing.T) {
	testCases := []struct {
		name    string
		minutes int
		message string
	}{
		{name: "zero", minutes: 0, message: timeoutErrorNotPositive},
		{name: "negative", minutes: -3, message: timeoutErrorNotPositive},
		{name: "28 days", minutes: 40320, message: timeoutErrorTooLong},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				mod := &stubModerator{}
				err := ExecuteTimeout(context.Background(), mod, "g1", "u1", tc.minutes, "x", "")
				var timeoutErr *TimeoutError
				require.ErrorAs(t, err, &timeoutErr)
				assert.Equal(t, tc.message, timeoutErr.Message)
				assert.Empty(t, mod.Calls(), "moderator isn't called")
			},
		)
	}

	t.Run(
		"maximum", func(t *testing.T) {
			mod := &stubModerator{}
			require.NoError(t, ExecuteTimeout(context.Background(), mod, "g1", "u1", 40319, "x", ""))
			assert.Len(t, mod.Calls(), 1)
		},
	)
}

func TestExecuteTimeout_Failures(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		code     int
		expected string
	}{
		{
			name:     "missing permissions",
			err:      newRESTError(50013, "Missing Permissions"),
			code:     50013,
			expected: "禁言使用者 <@u1> 失敗。\n錯誤：Missing Permissions\n請檢查 Bot 是否擁有 'Moderate Members' (管理成員) 權限。",
		},
		{
			name:     "missing access",
			err:      newRESTError(50001, "Missing Access"),
			code:     50001,
			expected: "禁言使用者 <@u1> 失敗。\n錯誤：Missing Access\n請檢查 Bot 是否能訪問該伺服器或頻道。",
		},
		{
			name:     "unknown member",
			err:      fmt.Errorf("wrapped: %w", newRESTError(10007, "Unknown Member")),
			code:     10007,
			expected: "禁言使用者 <@u1> 失敗。\n錯誤：Unknown Member\n找不到指定的使用者。",
		},
		{
			name:     "other code",
			err:      newRESTError(50035, "Invalid Form Body"),
			code:     50035,
			expected: "禁言使用者 <@u1> 失敗。\n錯誤：Invalid Form Body",
		},
		{
			name: "network",
			err: &url.Error{
				Op:  "Patch",
				URL: "https://discord.com/api",
				Err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")},
			},
			expected: "禁言使用者 <@u1> 失敗。\n錯誤：Patch \"https://discord.com/api\": dial tcp: connection refused\n(可能是網路連線問題或 Discord API 暫時無法訪問)",
		},
		{
			name:     "unexpected",
			err:      errors.New("kaboom"),
			expected: "禁言使用者 <@u1> 時發生未預期的錯誤: kaboom。請查看日誌。",
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				mod := &stubModerator{err: tc.err}
				err := ExecuteTimeout(context.Background(), mod, "g1", "u1", 10, "x", "")
				var timeoutErr *TimeoutError
				require.ErrorAs(t, err, &timeoutErr)
				assert.Equal(t, tc.expected, timeoutErr.Message)
				assert.Equal(t, tc.code, timeoutErr.Code)
				assert.ErrorIs(t, err, tc.err)
			},
		)
	}
}

func TestQuoteReason(t *testing.T) {
	assert.Equal(t, "a%20b/c%2Bd~e_f.g-h", quoteReason("a b/c+d~e_f.g-h"))
	assert.Equal(t, "%E7%A6%81", quoteReason("禁"))
}
