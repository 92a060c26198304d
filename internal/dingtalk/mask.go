package dingtalk

import "strings"

var sensitiveFields = map[string]bool{
	"senderStaffId":  true,
	"senderId":       true,
	"senderNick":     true,
	"userId":         true,
	"token":          true,
	"accessToken":    true,
	"sessionWebhook": true,
}

// MaskSensitiveData redacts PII and credential fields in a decoded JSON
// payload before it reaches debug logs. Values keep their first and last
// three characters; short values are fully masked. The input is not
// modified.
func MaskSensitiveData(v any) any {
	switch val := v.(type) {
	case map[string]any:
		masked := make(map[string]any, len(val))
		for key, inner := range val {
			if sensitiveFields[key] {
				if s, ok := inner.(string); ok {
					masked[key] = maskValue(s)
					continue
				}
			}
			masked[key] = MaskSensitiveData(inner)
		}
		return masked
	case []any:
		masked := make([]any, len(val))
		for i, inner := range val {
			masked[i] = MaskSensitiveData(inner)
		}
		return masked
	default:
		return v
	}
}

func maskValue(s string) string {
	runes := []rune(s)
	if len(runes) > 6 {
		return string(runes[:3]) + strings.Repeat("*", len(runes)-6) + string(runes[len(runes)-3:])
	}
	return strings.Repeat("*", len(runes))
}
