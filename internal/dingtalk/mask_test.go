package dingtalk

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestMaskSensitiveData(t *testing.T) {
	t.Parallel()

	in := map[string]any{
		"senderStaffId":  "staff1234567",
		"senderNick":     "Bob",
		"conversationId": "cidVisible",
		"nested": map[string]any{
			"sessionWebhook": "https://oapi.dingtalk.com/robot/sendBySession?session=abc",
		},
		"list": []any{
			map[string]any{"accessToken": "tok1234567890"},
		},
	}

	out, ok := MaskSensitiveData(in).(map[string]any)
	require.True(t, ok)

	require.Equal(t, "sta******567", out["senderStaffId"])
	require.Equal(t, "***", out["senderNick"])
	require.Equal(t, "cidVisible", out["conversationId"])

	nested := out["nested"].(map[string]any)
	masked := nested["sessionWebhook"].(string)
	require.NotEqual(t, in["nested"].(map[string]any)["sessionWebhook"], masked)
	require.Contains(t, masked, "*")

	list := out["list"].([]any)
	item := list[0].(map[string]any)
	require.Equal(t, "tok*******890", item["accessToken"])

	// Input untouched.
	require.Equal(t, "staff1234567", in["senderStaffId"])
}

func TestMaskValueMultiByte(t *testing.T) {
	t.Parallel()

	// Masking counts runes, not bytes, so multi-byte values keep whole
	// characters at the edges and never produce invalid UTF-8.
	in := map[string]any{
		"senderNick": "张三李四王五赵六钱七",
		"token":      "短令牌",
	}
	out := MaskSensitiveData(in).(map[string]any)

	nick := out["senderNick"].(string)
	require.True(t, utf8.ValidString(nick))
	require.Equal(t, "张三李****六钱七", nick)

	require.Equal(t, "***", out["token"])
}
