// Package webhook принимает асинхронные уведомления платёжного
// провайдера: исходы 3DS, зачисления средств и споры.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"example.com/order-platform/pkg/apperr"
)

// defaultTolerance — допустимый возраст подписанного timestamp.
// Старые подписи отклоняются для защиты от replay.
const defaultTolerance = 5 * time.Minute

// Sign возвращает hex HMAC-SHA256 от "<timestamp>.<body>".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature проверяет подпись и возраст timestamp (unix секунды).
func VerifySignature(secret, timestamp, signature string, body []byte, now time.Time, tolerance time.Duration) error {
	if secret == "" {
		return apperr.Invariantf("webhook secret не настроен")
	}
	if timestamp == "" || signature == "" {
		return fmt.Errorf("%w: отсутствует подпись webhook", apperr.ErrUnauthorized)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: некорректный timestamp подписи", apperr.ErrUnauthorized)
	}

	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > tolerance || age < -tolerance {
		return fmt.Errorf("%w: подпись webhook устарела", apperr.ErrUnauthorized)
	}

	expected := Sign(secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("%w: подпись webhook не совпадает", apperr.ErrUnauthorized)
	}
	return nil
}
