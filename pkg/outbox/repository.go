package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/order-platform/pkg/apperr"
)

// ErrRowNotFound — запись outbox не найдена.
var ErrRowNotFound = errors.New("запись outbox не найдена")

// Store определяет методы работы с таблицей outbox.
// Интерфейс для тестируемости (Dependency Inversion).
type Store interface {
	// Insert добавляет запись outbox вне внешней транзакции.
	Insert(ctx context.Context, p InsertParams) (*Row, error)

	// InsertTx добавляет запись outbox внутри переданной транзакции.
	// Вызывается из бизнес-кода: запись события и бизнес-данных
	// фиксируются одним COMMIT.
	InsertTx(ctx context.Context, tx *gorm.DB, p InsertParams) (*Row, error)

	// ClaimBatch атомарно захватывает пачку свободных строк тенанта:
	// свободна строка с lease_until IS NULL или истекшей арендой.
	// Захваченные строки получают lease_until = now + leaseFor.
	// Конкурирующие экземпляры не блокируют друг друга (SKIP LOCKED).
	ClaimBatch(ctx context.Context, tenantID string, limit int, leaseFor time.Duration) ([]*Row, error)

	// Delete удаляет успешно опубликованные строки.
	Delete(ctx context.Context, keys []Key) error

	// RescheduleForRetry снимает аренду с неопубликованных строк,
	// увеличивает attempts и откладывает следующую попытку до nextTry.
	RescheduleForRetry(ctx context.Context, keys []Key, nextTry time.Time) error

	// Park выводит строку из очереди насовсем: аренда ставится далеко
	// в будущее, строка остаётся в таблице для ручного разбора.
	Park(ctx context.Context, key Key) error

	// DiscoverTenants возвращает тенантов, у которых есть свободные строки.
	DiscoverTenants(ctx context.Context, now time.Time) ([]string, error)

	// EnsurePartitions создаёт дневные партиции на days дней вперёд.
	EnsurePartitions(ctx context.Context, from time.Time, days int) error

	// DropPartitionsBefore отцепляет и удаляет партиции старше before.
	DropPartitionsBefore(ctx context.Context, before time.Time) (int, error)
}

// store — GORM реализация Store поверх PostgreSQL.
type store struct {
	db *gorm.DB
}

// NewStore создаёт репозиторий outbox.
func NewStore(db *gorm.DB) Store {
	return &store{db: db}
}

// Insert добавляет запись outbox вне внешней транзакции.
func (s *store) Insert(ctx context.Context, p InsertParams) (*Row, error) {
	return s.InsertTx(ctx, s.db, p)
}

// InsertTx добавляет запись outbox внутри переданной транзакции.
// При совпадении (idem_key, created_on) вставка молча пропускается:
// повтор запроса с тем же ключом идемпотентности не плодит дубликаты.
func (s *store) InsertTx(ctx context.Context, tx *gorm.DB, p InsertParams) (*Row, error) {
	if p.TenantID == "" {
		return nil, apperr.Validationf("tenant_id обязателен")
	}
	if p.AggregateType == "" || p.EventType == "" {
		return nil, apperr.Validationf("aggregate_type и event_type обязательны")
	}

	row := newRow(p, time.Now().UTC())
	model := modelFromDomain(row)

	q := tx.WithContext(ctx)
	if row.IdemKey != nil {
		q = q.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idem_key"}, {Name: "created_on"}},
			DoNothing: true,
		})
	}

	if err := q.Create(model).Error; err != nil {
		return nil, apperr.Transient("outbox insert", err)
	}

	return row, nil
}

// claimSQL захватывает пачку свободных строк тенанта одной командой.
// FOR UPDATE SKIP LOCKED: конкурирующий publisher пропускает строки,
// уже заблокированные чужой транзакцией, вместо ожидания.
// Отдельной операции снятия аренды нет: строка упавшего publisher'а
// снова становится свободной, как только lease_until остаётся в
// прошлом, и её перехватывает следующий ClaimBatch.
const claimSQL = `
WITH picked AS (
    SELECT id, created_on
    FROM outbox
    WHERE tenant_id = ?
      AND (lease_until IS NULL OR lease_until < ?)
    ORDER BY created_at, id
    LIMIT ?
    FOR UPDATE SKIP LOCKED
)
UPDATE outbox o
SET lease_until = ?, updated_at = ?
FROM picked p
WHERE o.id = p.id AND o.created_on = p.created_on
RETURNING o.id, o.created_on, o.tenant_id, o.saga_id, o.aggregate_type,
          o.aggregate_id, o.event_type, o.event_key, o.payload,
          o.headers_json, o.attempts, o.lease_until, o.created_at,
          o.updated_at, o.idem_key`

// ClaimBatch атомарно захватывает пачку свободных строк тенанта.
func (s *store) ClaimBatch(ctx context.Context, tenantID string, limit int, leaseFor time.Duration) ([]*Row, error) {
	now := time.Now().UTC()
	leaseUntil := now.Add(leaseFor)

	var models []RowModel
	if err := s.db.WithContext(ctx).
		Raw(claimSQL, tenantID, now, limit, leaseUntil, now).
		Scan(&models).Error; err != nil {
		return nil, apperr.Transient("outbox claim", err)
	}

	rows := make([]*Row, len(models))
	for i := range models {
		rows[i] = models[i].toDomain()
	}
	return rows, nil
}

// Delete удаляет успешно опубликованные строки.
func (s *store) Delete(ctx context.Context, keys []Key) error {
	if len(keys) == 0 {
		return nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, k := range keys {
			if err := tx.
				Where("id = ? AND created_on = ?", k.ID, k.CreatedOn).
				Delete(&RowModel{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return apperr.Transient("outbox delete", err)
	}
	return nil
}

// RescheduleForRetry откладывает следующую попытку публикации.
// Аренда ставится в nextTry: до этого момента строка считается занятой,
// после — снова свободна для захвата.
func (s *store) RescheduleForRetry(ctx context.Context, keys []Key, nextTry time.Time) error {
	if len(keys) == 0 {
		return nil
	}

	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, k := range keys {
			if err := tx.Model(&RowModel{}).
				Where("id = ? AND created_on = ?", k.ID, k.CreatedOn).
				Updates(map[string]any{
					"attempts":    gorm.Expr("attempts + 1"),
					"lease_until": nextTry,
					"updated_at":  now,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return apperr.Transient("outbox reschedule", err)
	}
	return nil
}

// parkedLease — аренда для выведенных из очереди строк.
// Строка фактически никогда не станет свободной.
var parkedLease = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// Park выводит строку из очереди насовсем.
func (s *store) Park(ctx context.Context, key Key) error {
	result := s.db.WithContext(ctx).Model(&RowModel{}).
		Where("id = ? AND created_on = ?", key.ID, key.CreatedOn).
		Updates(map[string]any{
			"lease_until": parkedLease,
			"updated_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		return apperr.Transient("outbox park", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRowNotFound
	}
	return nil
}

// DiscoverTenants возвращает тенантов со свободными строками.
func (s *store) DiscoverTenants(ctx context.Context, now time.Time) ([]string, error) {
	var tenants []string
	if err := s.db.WithContext(ctx).Model(&RowModel{}).
		Distinct("tenant_id").
		Where("lease_until IS NULL OR lease_until < ?", now.UTC()).
		Pluck("tenant_id", &tenants).Error; err != nil {
		return nil, apperr.Transient("outbox discover tenants", err)
	}
	return tenants, nil
}

// EnsurePartitions создаёт дневные партиции таблицы outbox на days дней
// вперёд начиная с from. IF NOT EXISTS делает операцию идемпотентной.
func (s *store) EnsurePartitions(ctx context.Context, from time.Time, days int) error {
	day := from.UTC().Truncate(24 * time.Hour)
	for i := 0; i < days; i++ {
		start := day.AddDate(0, 0, i)
		end := start.AddDate(0, 0, 1)

		stmt := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s PARTITION OF outbox FOR VALUES FROM ('%s') TO ('%s')`,
			partitionName(start),
			start.Format("2006-01-02"),
			end.Format("2006-01-02"),
		)
		if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return apperr.Transient("outbox ensure partitions", err)
		}
	}
	return nil
}

// DropPartitionsBefore отцепляет и удаляет партиции старше before.
// Удаление партиции целиком дешевле построчного DELETE.
func (s *store) DropPartitionsBefore(ctx context.Context, before time.Time) (int, error) {
	var names []string
	if err := s.db.WithContext(ctx).
		Raw(`SELECT c.relname
             FROM pg_inherits i
             JOIN pg_class c ON c.oid = i.inhrelid
             JOIN pg_class p ON p.oid = i.inhparent
             WHERE p.relname = 'outbox'`).
		Scan(&names).Error; err != nil {
		return 0, apperr.Transient("outbox list partitions", err)
	}

	cutoff := partitionName(before.UTC().Truncate(24 * time.Hour))
	dropped := 0
	for _, name := range names {
		if name >= cutoff {
			continue
		}
		if err := s.db.WithContext(ctx).
			Exec(fmt.Sprintf(`ALTER TABLE outbox DETACH PARTITION %s`, name)).Error; err != nil {
			return dropped, apperr.Transient("outbox detach partition", err)
		}
		if err := s.db.WithContext(ctx).
			Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)).Error; err != nil {
			return dropped, apperr.Transient("outbox drop partition", err)
		}
		dropped++
	}
	return dropped, nil
}

// partitionName возвращает имя дневной партиции: outbox_p20250131.
// Лексикографический порядок имён совпадает с хронологическим.
func partitionName(day time.Time) string {
	return "outbox_p" + day.Format("20060102")
}
