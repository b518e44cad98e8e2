package mtws

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"
)

// hmacSigner signs REST requests with the account's API credentials:
// HMAC-SHA256 over timestamp, method and path.
type hmacSigner struct {
	apiKey    string
	secretKey []byte
}

func newHMACSigner(apiKey, secretKey string) *hmacSigner {
	return &hmacSigner{apiKey: apiKey, secretKey: []byte(secretKey)}
}

func (s *hmacSigner) SignRequest(req *http.Request) error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(ts))
	mac.Write([]byte(req.Method))
	mac.Write([]byte(req.URL.Path))

	req.Header.Set("X-MT-APIKEY", s.apiKey)
	req.Header.Set("X-MT-TIMESTAMP", ts)
	req.Header.Set("X-MT-SIGNATURE", hex.EncodeToString(mac.Sum(nil)))
	return nil
}
