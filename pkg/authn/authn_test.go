package authn

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/order-platform/pkg/apperr"
)

// signToken подписывает claims тестовым приватным ключом.
func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func newTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestVerifier_Verify(t *testing.T) {
	key := newTestKey(t)
	v := NewVerifierWithKey(&key.PublicKey, "")

	t.Run("валидный токен с каноническими claims", func(t *testing.T) {
		token := signToken(t, key, jwt.MapClaims{
			"tenant_id": "tenant-1",
			"sub":       "8f14e45f-ceea-467f-a0f9-b1a0c8d2e3f4",
		})

		id, err := v.Verify(token)

		require.NoError(t, err)
		assert.Equal(t, "tenant-1", id.TenantID)
		assert.Equal(t, "8f14e45f-ceea-467f-a0f9-b1a0c8d2e3f4", id.UserID)
	})

	t.Run("неверная подпись", func(t *testing.T) {
		otherKey := newTestKey(t)
		token := signToken(t, otherKey, jwt.MapClaims{"tenant_id": "t", "sub": "u"})

		_, err := v.Verify(token)

		require.True(t, errors.Is(err, apperr.ErrUnauthorized))
	})

	t.Run("истекший токен", func(t *testing.T) {
		token := signToken(t, key, jwt.MapClaims{
			"tenant_id": "t",
			"sub":       "u",
			"exp":       time.Now().Add(-time.Hour).Unix(),
		})

		_, err := v.Verify(token)

		require.True(t, errors.Is(err, apperr.ErrUnauthorized))
	})

	t.Run("неожиданный issuer", func(t *testing.T) {
		strict := NewVerifierWithKey(&key.PublicKey, "expected-issuer")
		token := signToken(t, key, jwt.MapClaims{
			"tenant_id": "t",
			"sub":       "u",
			"iss":       "rogue-issuer",
		})

		_, err := strict.Verify(token)

		require.True(t, errors.Is(err, apperr.ErrUnauthorized))
	})
}

func TestIdentityFromClaims_Fallbacks(t *testing.T) {
	tests := []struct {
		name       string
		claims     map[string]any
		wantTenant string
		wantErr    bool
	}{
		{
			name:       "tenantId (camelCase)",
			claims:     map[string]any{"tenantId": "t1", "sub": "u1"},
			wantTenant: "t1",
		},
		{
			name:       "mt как исторический claim тенанта",
			claims:     map[string]any{"mt": "t2", "uid": "u1"},
			wantTenant: "t2",
		},
		{
			name:       "tid",
			claims:     map[string]any{"tid": "t3", "user_id": "u1"},
			wantTenant: "t3",
		},
		{
			name:       "tenant",
			claims:     map[string]any{"tenant": "t4", "userId": "u1"},
			wantTenant: "t4",
		},
		{
			name:       "числовой tenant_id нормализуется в строку",
			claims:     map[string]any{"tenant_id": float64(123), "sub": "u1"},
			wantTenant: "123",
		},
		{
			name:       "tenant_id в приоритете над остальными",
			claims:     map[string]any{"tenant_id": "primary", "mt": "secondary", "sub": "u1"},
			wantTenant: "primary",
		},
		{
			name:    "токен без тенанта отклоняется",
			claims:  map[string]any{"sub": "u1"},
			wantErr: true,
		},
		{
			name:    "токен без субъекта отклоняется",
			claims:  map[string]any{"tenant_id": "t1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := IdentityFromClaims(tt.claims)
			if tt.wantErr {
				require.True(t, errors.Is(err, apperr.ErrUnauthorized))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTenant, id.TenantID)
		})
	}
}

func TestIdentityFromClaims_NonUUIDSubject(t *testing.T) {
	a, err := IdentityFromClaims(map[string]any{"tenant_id": "t1", "sub": "alice@example.com"})
	require.NoError(t, err)
	b, err := IdentityFromClaims(map[string]any{"tenant_id": "t1", "sub": "alice@example.com"})
	require.NoError(t, err)

	// Не-UUID subject детерминированно отображается в UUID.
	assert.Equal(t, a.UserID, b.UserID)
	assert.NotEqual(t, "alice@example.com", a.UserID)
}

func TestBearerToken(t *testing.T) {
	token, err := BearerToken("Bearer abc.def.ghi")
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", token)

	_, err = BearerToken("")
	require.Error(t, err)

	_, err = BearerToken("Basic dXNlcjpwYXNz")
	require.Error(t, err)

	token, err = BearerToken("bearer lower.case.ok")
	require.NoError(t, err)
	assert.Equal(t, "lower.case.ok", token)
}
