// Package authn извлекает идентичность вызывающего из JWT токенов.
// Использует RS256: сервис хранит только публичный ключ и умеет
// исключительно верифицировать токены, выданные внешним identity provider.
//
// Токены исторически выдавались разными провайдерами, поэтому claim
// тенанта и субъекта ищутся по нескольким известным именам.
package authn

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"example.com/order-platform/pkg/apperr"
	"example.com/order-platform/pkg/ids"
)

// Имена claims, по которым ищутся тенант и субъект.
// Порядок задаёт приоритет.
var (
	tenantClaimNames  = []string{"tenant_id", "tenantId", "mt", "tid", "tenant"}
	subjectClaimNames = []string{"sub", "uid", "user_id", "userId"}
)

// Identity — идентичность вызывающего, извлечённая из токена.
type Identity struct {
	TenantID string // Нормализованный ID тенанта
	UserID   string // UUID пользователя (выводится из subject)
	Subject  string // Исходный subject токена
}

// Verifier верифицирует JWT токены и извлекает Identity.
type Verifier struct {
	publicKey *rsa.PublicKey
	issuer    string // Ожидаемый issuer (пустой = не проверяется)
}

// Config содержит параметры создания Verifier.
type Config struct {
	PublicKeyPath string // Путь к публичному ключу RSA (PEM)
	Issuer        string // Ожидаемый издатель токена (опционально)
}

// NewVerifier создаёт Verifier с публичным ключом из PEM файла.
func NewVerifier(cfg Config) (*Verifier, error) {
	key, err := LoadPublicKey(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки публичного ключа: %w", err)
	}
	return &Verifier{publicKey: key, issuer: cfg.Issuer}, nil
}

// NewVerifierWithKey создаёт Verifier с готовым ключом (для тестов).
func NewVerifierWithKey(key *rsa.PublicKey, issuer string) *Verifier {
	return &Verifier{publicKey: key, issuer: issuer}
}

// Verify проверяет подпись и срок действия токена и извлекает Identity.
// Отсутствие тенанта или субъекта в валидном токене — Unauthorized:
// такой токен не идентифицирует вызывающего.
func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	claims := jwt.MapClaims{}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return v.publicKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrUnauthorized, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: невалидный токен", apperr.ErrUnauthorized)
	}

	return IdentityFromClaims(claims)
}

// IdentityFromClaims извлекает Identity из произвольной claim map.
func IdentityFromClaims(claims map[string]any) (*Identity, error) {
	tenant := firstStringClaim(claims, tenantClaimNames)
	if tenant == "" {
		return nil, fmt.Errorf("%w: токен без тенанта", apperr.ErrUnauthorized)
	}

	subject := firstStringClaim(claims, subjectClaimNames)
	if subject == "" {
		return nil, fmt.Errorf("%w: токен без субъекта", apperr.ErrUnauthorized)
	}

	return &Identity{
		TenantID: strings.TrimSpace(tenant),
		UserID:   ids.UserID(subject),
		Subject:  subject,
	}, nil
}

// BearerToken извлекает токен из значения заголовка Authorization.
func BearerToken(header string) (string, error) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", fmt.Errorf("%w: отсутствует Bearer токен", apperr.ErrUnauthorized)
	}
	return strings.TrimSpace(header[len(prefix):]), nil
}

// firstStringClaim возвращает первое непустое строковое значение
// из claims по списку имён.
func firstStringClaim(claims map[string]any, names []string) string {
	for _, name := range names {
		if v, ok := claims[name]; ok {
			switch val := v.(type) {
			case string:
				if val != "" {
					return val
				}
			case float64:
				return fmt.Sprintf("%.0f", val)
			}
		}
	}
	return ""
}

// LoadPublicKey загружает публичный ключ RSA из PEM файла.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла ключа: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("PEM блок не найден в %s", path)
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга публичного ключа: %w", err)
	}

	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("ключ не является RSA публичным ключом")
	}

	return rsaKey, nil
}
