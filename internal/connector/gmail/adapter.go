package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"inboxmetrics/backend/internal/connector"
	"inboxmetrics/backend/internal/domain"
)

const (
	// listPageSize 单页列取的邮件数
	listPageSize = 100
	// pageDelay 顺序翻页之间的固定延迟，配合提供商限流
	pageDelay = 200 * time.Millisecond
	// getRateLimit 单邮件拉取的速率上限（次/秒）
	getRateLimit = 20
)

// Config Gmail OAuth 应用配置
type Config struct {
	ClientID     string
	ClientSecret string
}

// Adapter 基于 Gmail API 实现连接器契约。
type Adapter struct {
	svc     *gmail.Service
	oauth   *oauth2.Config
	creds   *domain.Credentials
	limiter *rate.Limiter
}

// New 创建 Gmail 连接器。
//
// 凭证无效时返回 AuthError。
func New(ctx context.Context, cfg Config, creds *domain.Credentials) (*Adapter, error) {
	if creds == nil || creds.AccessToken == "" {
		return nil, &domain.AuthError{Op: "initialize", Err: fmt.Errorf("missing access token")}
	}

	oauthConfig := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
		Scopes: []string{gmail.GmailReadonlyScope},
	}

	token := &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
	}
	if creds.Expiry != nil {
		token.Expiry = *creds.Expiry
	}

	httpClient := oauthConfig.Client(ctx, token)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, classify("initialize", err)
	}

	return &Adapter{
		svc:     svc,
		oauth:   oauthConfig,
		creds:   creds,
		limiter: rate.NewLimiter(rate.Limit(getRateLimit), getRateLimit),
	}, nil
}

// ListRecentMessages 列取最近 days 天的邮件并解析为规范记录。
func (a *Adapter) ListRecentMessages(ctx context.Context, days int) ([]connector.CanonicalMessage, error) {
	if days < 1 {
		days = 1
	}

	query := fmt.Sprintf("newer_than:%dd", days)
	call := a.svc.Users.Messages.List("me").
		Q(query).
		IncludeSpamTrash(false).
		MaxResults(listPageSize)

	var messages []connector.CanonicalMessage
	firstPage := true

	err := call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		// 顺序翻页之间插入固定延迟
		if !firstPage {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pageDelay):
			}
		}
		firstPage = false

		for _, m := range page.Messages {
			if err := a.limiter.Wait(ctx); err != nil {
				return err
			}

			full, err := a.svc.Users.Messages.Get("me", m.Id).Format("full").Context(ctx).Do()
			if err != nil {
				return err
			}

			messages = append(messages, canonicalize(full))
		}
		return nil
	})

	if err != nil {
		return nil, classify("list messages", err)
	}

	return messages, nil
}

// RefreshAccessToken 用刷新令牌换取新的访问令牌。
func (a *Adapter) RefreshAccessToken(ctx context.Context) (*connector.RefreshedToken, error) {
	if a.creds.RefreshToken == "" {
		return nil, &domain.AuthError{Op: "refresh token", Err: fmt.Errorf("missing refresh token")}
	}

	// 传入过期令牌，强制 TokenSource 走刷新流程
	stale := &oauth2.Token{
		RefreshToken: a.creds.RefreshToken,
		Expiry:       time.Now().Add(-time.Hour),
	}

	fresh, err := a.oauth.TokenSource(ctx, stale).Token()
	if err != nil {
		return nil, classify("refresh token", err)
	}

	return &connector.RefreshedToken{
		AccessToken: fresh.AccessToken,
		ExpiryDate:  fresh.Expiry,
	}, nil
}

// canonicalize 将 Gmail 原生邮件转换为规范记录。
func canonicalize(m *gmail.Message) connector.CanonicalMessage {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	attachmentCount := countAttachments(m.Payload)
	fromAddr, fromName := parseAddress(headers["From"])

	return connector.CanonicalMessage{
		MessageID:       m.Id,
		ThreadID:        m.ThreadId,
		Subject:         headers["Subject"],
		From:            fromAddr,
		FromName:        fromName,
		To:              parseAddressList(headers["To"]),
		Cc:              parseAddressList(headers["Cc"]),
		Bcc:             parseAddressList(headers["Bcc"]),
		Timestamp:       time.UnixMilli(m.InternalDate).UTC(),
		IsRead:          !hasLabel(m.LabelIds, "UNREAD"),
		IsSent:          hasLabel(m.LabelIds, "SENT"),
		HasAttachments:  attachmentCount > 0,
		AttachmentCount: attachmentCount,
		Labels:          m.LabelIds,
		BodyLength:      int(m.SizeEstimate),
	}
}

// countAttachments 统计带文件名的 MIME part 数量。
func countAttachments(part *gmail.MessagePart) int {
	if part == nil {
		return 0
	}
	count := 0
	if part.Filename != "" {
		count++
	}
	for _, child := range part.Parts {
		count += countAttachments(child)
	}
	return count
}

// hasLabel 判断标签集中是否包含指定标签。
func hasLabel(labels []string, target string) bool {
	for _, l := range labels {
		if l == target {
			return true
		}
	}
	return false
}

// parseAddress 解析单个 RFC 5322 地址头，返回纯地址和显示名。
//
// 解析失败时退回原始文本，保证畸形头不会丢邮件。
func parseAddress(header string) (addr, name string) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ""
	}
	parsed, err := mail.ParseAddress(header)
	if err != nil {
		return header, ""
	}
	return parsed.Address, parsed.Name
}

// parseAddressList 解析 RFC 5322 地址列表头，只保留纯地址。
//
// 显示名中的逗号（如 "Smith, Alice" <a@b.com>）不会拆散地址。
func parseAddressList(header string) []string {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}
	parsed, err := mail.ParseAddressList(header)
	if err != nil {
		// 畸形头退回逗号切分
		var result []string
		for _, p := range strings.Split(header, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	result := make([]string, 0, len(parsed))
	for _, a := range parsed {
		result = append(result, a.Address)
	}
	return result
}

// classify 将 Gmail API 错误映射到业务错误分类。
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401:
			return &domain.AuthError{Op: op, Err: err}
		case apiErr.Code == 403 && containsReason(apiErr, "rateLimitExceeded", "userRateLimitExceeded"):
			return &domain.TransientProviderError{Op: op, Err: err}
		case apiErr.Code == 403:
			return &domain.AuthError{Op: op, Err: err}
		case apiErr.Code == 429 || apiErr.Code >= 500:
			return &domain.TransientProviderError{Op: op, Err: err}
		}
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "invalid_grant") || strings.Contains(msg, "unauthorized") {
		return &domain.AuthError{Op: op, Err: err}
	}

	return &domain.TransientProviderError{Op: op, Err: err}
}

// containsReason 判断 API 错误中是否包含指定原因码。
func containsReason(apiErr *googleapi.Error, reasons ...string) bool {
	for _, item := range apiErr.Errors {
		for _, reason := range reasons {
			if item.Reason == reason {
				return true
			}
		}
	}
	return false
}
