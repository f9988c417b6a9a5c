package venue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Signer produces the authentication material attached to signed venue
// requests and transactions.
type Signer interface {
	// Sign returns the hex signature over the given payload.
	Sign(payload []byte) string
	// AuthToken returns the token sent with authenticated requests,
	// regenerating it when the previous one expired.
	AuthToken() string
}

// HMACSigner signs payloads with HMAC-SHA256 over the configured API
// private key. Tokens carry a millisecond deadline ten minutes out.
type HMACSigner struct {
	key          []byte
	accountIndex int
	apiKeyIndex  int
}

func NewHMACSigner(privateKey string, accountIndex, apiKeyIndex int) *HMACSigner {
	return &HMACSigner{
		key:          []byte(privateKey),
		accountIndex: accountIndex,
		apiKeyIndex:  apiKeyIndex,
	}
}

func (s *HMACSigner) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *HMACSigner) AuthToken() string {
	deadline := time.Now().Add(10 * time.Minute).UnixMilli()
	msg := fmt.Sprintf("%d:%d:%d", deadline, s.accountIndex, s.apiKeyIndex)
	return strconv.FormatInt(deadline, 10) + ":" + s.Sign([]byte(msg))
}

// StaticToken wraps a pre-issued auth token, used when the operator
// supplies one directly instead of a signing key.
type StaticToken string

func (t StaticToken) Sign([]byte) string  { return "" }
func (t StaticToken) AuthToken() string   { return string(t) }
