// Package idempotency гарантирует ровно одно исполнение операции
// на ключ идемпотентности. Таблица idempotency_request — источник
// истины, Redis SETNX служит быстрым фильтром дубликатов: потеря
// ключа в Redis безопасна, запись в БД всё равно перехватит повтор.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/order-platform/pkg/apperr"
	"example.com/order-platform/pkg/logger"
)

// redisMarkTTL — срок жизни быстрой метки в Redis.
const redisMarkTTL = 24 * time.Hour

// RequestModel — GORM модель таблицы idempotency_request.
type RequestModel struct {
	KeyHash            string    `gorm:"column:key_hash;type:varchar(64);primaryKey"`
	TenantID           string    `gorm:"column:tenant_id;type:varchar(64);not null"`
	RequestFingerprint string    `gorm:"column:request_fingerprint;type:varchar(64);not null"`
	ResponseBytes      []byte    `gorm:"column:response_bytes;type:jsonb"`
	StatusCode         int       `gorm:"column:status_code"`
	CreatedAt          time.Time `gorm:"column:created_at;type:timestamptz"`
	UpdatedAt          time.Time `gorm:"column:updated_at;type:timestamptz"`
}

// TableName возвращает имя таблицы в БД.
func (RequestModel) TableName() string {
	return "idempotency_request"
}

// Guard реализует протокол "вставить или воспроизвести".
type Guard struct {
	db    *gorm.DB
	redis redis.UniversalClient
}

// New создаёт Guard. redis может быть nil, тогда работает только БД.
func New(db *gorm.DB, rdb redis.UniversalClient) *Guard {
	return &Guard{db: db, redis: rdb}
}

// KeyHash возвращает SHA-256 от (tenant, key) в hex.
// Тенант в составе ключа исключает межтенантные коллизии.
func KeyHash(tenantID, key string) string {
	sum := sha256.Sum256([]byte(tenantID + "\x00" + key))
	return hex.EncodeToString(sum[:])
}

// Fingerprint возвращает SHA-256 канонического JSON запроса.
// Каноническая форма: отсортированные ключи, без лишних пробелов,
// чтобы переупорядоченные поля не считались другим запросом.
func Fingerprint(request any) (string, error) {
	raw, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("сериализация запроса: %w", err)
	}
	canonical, err := canonicalize(raw)
	if err != nil {
		return "", fmt.Errorf("канонизация запроса: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize перестраивает JSON с отсортированными ключами объектов.
func canonicalize(raw []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return marshalCanonical(v)
}

func marshalCanonical(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := marshalCanonical(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, vb...)
		}
		return append(out, '}'), nil
	case []any:
		out := []byte{'['}
		for i, e := range t {
			if i > 0 {
				out = append(out, ',')
			}
			eb, err := marshalCanonical(e)
			if err != nil {
				return nil, err
			}
			out = append(out, eb...)
		}
		return append(out, ']'), nil
	default:
		return json.Marshal(v)
	}
}

// Execute выполняет action ровно один раз на ключ идемпотентности.
// Повтор с тем же запросом воспроизводит сохранённый ответ.
// Повтор с другим запросом отклоняется с ErrConflict.
// Повтор, пока первый запрос ещё в полёте, отклоняется с ErrInProgress.
func (g *Guard) Execute(ctx context.Context, tenantID, key string, request any, action func(ctx context.Context) ([]byte, int, error)) ([]byte, int, error) {
	log := logger.FromContext(ctx)

	keyHash := KeyHash(tenantID, key)
	fingerprint, err := Fingerprint(request)
	if err != nil {
		return nil, 0, apperr.Validationf("ключ идемпотентности %s: %v", key, err)
	}

	// Быстрый фильтр: метка в Redis означает, что ключ уже встречался.
	// Тогда сразу идём в БД за вердиктом вместо гонки на вставку.
	if g.redis != nil {
		ok, err := g.redis.SetNX(ctx, "idem:"+keyHash, fingerprint, redisMarkTTL).Result()
		if err != nil {
			// Redis недоступен: продолжаем через БД, фильтр не обязателен.
			log.Warn().Err(err).Msg("Redis недоступен, идемпотентность только через БД")
		} else if !ok {
			if response, statusCode, err := g.replay(ctx, keyHash, fingerprint); err == nil || ctx.Err() != nil {
				return response, statusCode, err
			} else if !isMissing(err) {
				return nil, 0, err
			}
			// Метка есть, а записи в БД нет: прошлый запрос упал до
			// вставки в БД. Продолжаем как первый запрос.
		}
	}

	inserted, err := g.tryInsert(ctx, keyHash, tenantID, fingerprint)
	if err != nil {
		return nil, 0, err
	}

	if !inserted {
		return g.replay(ctx, keyHash, fingerprint)
	}

	response, statusCode, err := action(ctx)
	if err != nil {
		// Ключ остаётся занятым: исход операции неизвестен (провайдер
		// мог успеть списать деньги), освобождение ключа открыло бы
		// дорогу второму исполнению. Повтор получит ErrInProgress до
		// разбора инцидента.
		return nil, 0, err
	}

	if err := g.db.WithContext(ctx).Model(&RequestModel{}).
		Where("key_hash = ?", keyHash).
		Updates(map[string]any{
			"response_bytes": response,
			"status_code":    statusCode,
			"updated_at":     time.Now().UTC(),
		}).Error; err != nil {
		// Ответ потерян, но операция прошла. Повтор получит ErrInProgress
		// до ручного вмешательства, это честнее двойного исполнения.
		log.Error().Err(err).Str("key_hash", keyHash).Msg("Не удалось сохранить ответ идемпотентного запроса")
	}

	return response, statusCode, nil
}

// tryInsert вставляет запись ключа, если её ещё нет.
func (g *Guard) tryInsert(ctx context.Context, keyHash, tenantID, fingerprint string) (bool, error) {
	now := time.Now().UTC()
	row := RequestModel{
		KeyHash:            keyHash,
		TenantID:           tenantID,
		RequestFingerprint: fingerprint,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	result := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return false, apperr.Transient("вставка ключа идемпотентности", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// replay возвращает сохранённый ответ повторного запроса.
func (g *Guard) replay(ctx context.Context, keyHash, fingerprint string) ([]byte, int, error) {
	var row RequestModel
	if err := g.db.WithContext(ctx).First(&row, "key_hash = ?", keyHash).Error; err != nil {
		return nil, 0, apperr.Transient("чтение ключа идемпотентности", err)
	}

	if row.RequestFingerprint != fingerprint {
		return nil, 0, fmt.Errorf("%w: ключ переиспользован с другим запросом", apperr.ErrConflict)
	}
	if row.ResponseBytes == nil {
		return nil, 0, fmt.Errorf("%w: первый запрос ещё выполняется", apperr.ErrInProgress)
	}
	return row.ResponseBytes, row.StatusCode, nil
}

// isMissing распознаёт отсутствие записи ключа в БД.
func isMissing(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
