package gmail

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	gmailapi "google.golang.org/api/gmail/v1"
)

func buildMessage(labels []string, headers map[string]string) *gmailapi.Message {
	var headerList []*gmailapi.MessagePartHeader
	for name, value := range headers {
		headerList = append(headerList, &gmailapi.MessagePartHeader{Name: name, Value: value})
	}
	return &gmailapi.Message{
		Id:           "msg-1",
		ThreadId:     "thread-1",
		InternalDate: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC).UnixMilli(),
		LabelIds:     labels,
		SizeEstimate: 2048,
		Payload:      &gmailapi.MessagePart{Headers: headerList},
	}
}

func TestCanonicalizeFlags(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
		isRead bool
		isSent bool
	}{
		{"未读收件", []string{"UNREAD", "INBOX"}, false, false},
		{"已读收件", []string{"INBOX"}, true, false},
		{"已发送", []string{"SENT"}, true, true},
		{"未读的已发送副本", []string{"SENT", "UNREAD"}, false, true},
		{"无标签", nil, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := canonicalize(buildMessage(tt.labels, nil))
			assert.Equal(t, tt.isRead, msg.IsRead)
			assert.Equal(t, tt.isSent, msg.IsSent)
		})
	}
}

func TestCanonicalizeAddresses(t *testing.T) {
	t.Run("显示名与纯地址分离", func(t *testing.T) {
		msg := canonicalize(buildMessage(nil, map[string]string{
			"From":    `"Smith, Alice" <alice@corp.com>`,
			"To":      `"Doe, Bob" <bob@corp.com>, carol@example.io`,
			"Cc":      "dave@example.io",
			"Subject": "Quarterly report",
		}))

		assert.Equal(t, "alice@corp.com", msg.From)
		assert.Equal(t, "Smith, Alice", msg.FromName)
		// 显示名中的逗号不拆散地址列表
		assert.Equal(t, []string{"bob@corp.com", "carol@example.io"}, msg.To)
		assert.Equal(t, []string{"dave@example.io"}, msg.Cc)
		assert.Equal(t, "Quarterly report", msg.Subject)
	})

	t.Run("无显示名", func(t *testing.T) {
		msg := canonicalize(buildMessage(nil, map[string]string{"From": "alice@corp.com"}))
		assert.Equal(t, "alice@corp.com", msg.From)
		assert.Empty(t, msg.FromName)
	})

	t.Run("畸形头退回原始文本", func(t *testing.T) {
		addr, name := parseAddress("<<not-an-address")
		assert.Equal(t, "<<not-an-address", addr)
		assert.Empty(t, name)

		assert.Equal(t, []string{"broken <", "also broken"},
			parseAddressList("broken <, also broken"))
	})

	t.Run("空头", func(t *testing.T) {
		assert.Nil(t, parseAddressList(""))
		addr, name := parseAddress("")
		assert.Empty(t, addr)
		assert.Empty(t, name)
	})
}

func TestCanonicalizeMetadata(t *testing.T) {
	msg := canonicalize(buildMessage([]string{"INBOX"}, map[string]string{"Subject": "hi"}))

	assert.Equal(t, "msg-1", msg.MessageID)
	assert.Equal(t, "thread-1", msg.ThreadID)
	assert.Equal(t, time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC), msg.Timestamp)
	assert.Equal(t, 2048, msg.BodyLength)
	assert.Equal(t, []string{"INBOX"}, msg.Labels)
}

func TestCountAttachments(t *testing.T) {
	t.Run("嵌套附件", func(t *testing.T) {
		part := &gmailapi.MessagePart{
			Parts: []*gmailapi.MessagePart{
				{MimeType: "text/plain"},
				{Filename: "report.pdf"},
				{
					MimeType: "multipart/mixed",
					Parts: []*gmailapi.MessagePart{
						{Filename: "chart.png"},
						{MimeType: "text/html"},
					},
				},
			},
		}
		assert.Equal(t, 2, countAttachments(part))

		msg := canonicalize(&gmailapi.Message{Id: "m", Payload: part})
		assert.True(t, msg.HasAttachments)
		assert.Equal(t, 2, msg.AttachmentCount)
	})

	t.Run("无载荷", func(t *testing.T) {
		assert.Equal(t, 0, countAttachments(nil))
		msg := canonicalize(&gmailapi.Message{Id: "m"})
		assert.False(t, msg.HasAttachments)
	})
}
