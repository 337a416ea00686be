package enrich

import (
	"strings"

	"inboxmetrics/backend/internal/domain"
)

// labelCategories 提供商标签到业务类别的映射。
var labelCategories = map[string]string{
	"CATEGORY_PERSONAL":   "personal",
	"CATEGORY_SOCIAL":     "social",
	"CATEGORY_PROMOTIONS": "promotions",
	"CATEGORY_UPDATES":    "updates",
	"CATEGORY_FORUMS":     "forums",
}

// urgentKeywords 主题中指示紧急程度的关键字（小写匹配）。
var urgentKeywords = []string{"urgent", "asap", "emergency", "critical", "immediately"}

// highKeywords 主题中指示较高优先级的关键字。
var highKeywords = []string{"important", "action required", "deadline", "reminder", "please review"}

// sentimentLexicon 简易情感词表，正负词计数归一到 [-1, 1]。
var sentimentLexicon = map[string]float64{
	"thanks": 1, "thank": 1, "great": 1, "good": 1, "excellent": 1,
	"appreciate": 1, "happy": 1, "congratulations": 1, "perfect": 1, "love": 1,
	"issue": -1, "problem": -1, "complaint": -1, "bad": -1, "wrong": -1,
	"failed": -1, "failure": -1, "unhappy": -1, "disappointed": -1, "angry": -1,
	"delay": -1, "delayed": -1, "error": -1, "broken": -1, "cancel": -1,
}

// Priority 根据标签与主题推导邮件优先级。
func Priority(labels []string, subject string) domain.MessagePriority {
	lowered := strings.ToLower(subject)

	for _, kw := range urgentKeywords {
		if strings.Contains(lowered, kw) {
			return domain.PriorityUrgent
		}
	}

	important := false
	for _, label := range labels {
		if label == "IMPORTANT" || label == "STARRED" {
			important = true
			break
		}
	}
	if important {
		return domain.PriorityHigh
	}

	for _, kw := range highKeywords {
		if strings.Contains(lowered, kw) {
			return domain.PriorityHigh
		}
	}

	// 营销/社交类邮件降为低优先级
	for _, label := range labels {
		if label == "CATEGORY_PROMOTIONS" || label == "CATEGORY_SOCIAL" {
			return domain.PriorityLow
		}
	}

	return domain.PriorityMedium
}

// Category 根据提供商标签推导业务类别，无法判断时返回空串。
func Category(labels []string) string {
	for _, label := range labels {
		if category, ok := labelCategories[label]; ok {
			return category
		}
	}
	return ""
}

// Sentiment 对主题做词表情感打分。
//
// 返回 [-1, 1] 区间的得分；无情感词时返回 nil，
// 表示该邮件没有可用的情感信号（与 0 分区分开）。
func Sentiment(subject string) *float64 {
	words := strings.FieldsFunc(strings.ToLower(subject), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})

	var sum float64
	var hits int
	for _, word := range words {
		if score, ok := sentimentLexicon[word]; ok {
			sum += score
			hits++
		}
	}

	if hits == 0 {
		return nil
	}

	score := sum / float64(hits)
	return &score
}
