package imports

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var errInvalidDownloadToken = errors.New("invalid download token")

type downloadSigner struct {
	secret []byte
	ttl    time.Duration
}

// newDownloadSigner signs with secret, or with a random per-process secret
// when none is configured.
func newDownloadSigner(secret string, ttl time.Duration) *downloadSigner {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	key := []byte(strings.TrimSpace(secret))
	if len(key) == 0 {
		key = []byte(uuid.New().String())
	}
	return &downloadSigner{secret: key, ttl: ttl}
}

func (s *downloadSigner) Sign(taskID uuid.UUID, now time.Time) string {
	expires := now.Add(s.ttl).Unix()
	payload := fmt.Sprintf("%s:%d", taskID.String(), expires)
	raw := fmt.Sprintf("%s:%s", payload, s.mac(payload))
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func (s *downloadSigner) Verify(taskID uuid.UUID, token string, now time.Time) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: missing token", errInvalidDownloadToken)
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidDownloadToken, err)
	}
	parts := strings.Split(string(decoded), ":")
	if len(parts) != 3 {
		return fmt.Errorf("%w: malformed token", errInvalidDownloadToken)
	}
	if parts[0] != taskID.String() {
		return fmt.Errorf("%w: token issued for another task", errInvalidDownloadToken)
	}
	expires, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad expiry", errInvalidDownloadToken)
	}
	if now.Unix() > expires {
		return fmt.Errorf("%w: token expired", errInvalidDownloadToken)
	}
	expected, _ := hex.DecodeString(s.mac(parts[0] + ":" + parts[1]))
	provided, err := hex.DecodeString(parts[2])
	if err != nil || !hmac.Equal(expected, provided) {
		return fmt.Errorf("%w: signature mismatch", errInvalidDownloadToken)
	}
	return nil
}

func (s *downloadSigner) mac(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
