package dingtalk

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// GenerateSignature computes the DingTalk custom-bot signature for a
// millisecond timestamp and webhook secret. The signed payload is
// "{timestamp}\n{secret}" keyed by the raw secret, base64-encoded.
func GenerateSignature(timestamp, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required for signature generation")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "\n" + secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
