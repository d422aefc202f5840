package timeseries

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// SQLReader читает подтаблицы вида sensor_data_<point> (ts BIGINT мс,
// point_value VARCHAR). Работает с любым драйвером с плейсхолдерами "?":
// MySQL/MariaDB в проде, SQLite в тестах.
type SQLReader struct {
	db     *sql.DB
	prefix string
	ownsDB bool

	// MissingTableAsEmpty: точка, для которой ни разу не писались данные,
	// не имеет подтаблицы; такой запрос возвращает пустой результат.
	MissingTableAsEmpty bool
}

// NewSQLReader открывает соединение драйвером driver ("mysql" или "sqlite").
func NewSQLReader(driver, dsn, prefix string) (*SQLReader, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", driver, err)
	}

	r := NewSQLReaderFromDB(db, prefix)
	r.ownsDB = true
	return r, nil
}

// NewSQLReaderFromDB использует готовое соединение; Close его не закрывает.
func NewSQLReaderFromDB(db *sql.DB, prefix string) *SQLReader {
	if prefix == "" {
		prefix = "sensor_data_"
	}
	return &SQLReader{db: db, prefix: prefix, MissingTableAsEmpty: true}
}

// Query выбирает значения точки за [start, end], упорядоченные по ts.
func (r *SQLReader) Query(ctx context.Context, pointKey string, start, end int64) ([]Sample, error) {
	table := TableName(r.prefix, pointKey)
	query := "SELECT ts, point_value FROM " + table + " WHERE ts >= ? AND ts <= ? ORDER BY ts ASC"

	rows, err := r.db.QueryContext(ctx, query, start, end)
	if err != nil {
		if r.MissingTableAsEmpty && isMissingTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var (
			s     Sample
			value sql.NullString
		)
		if err := rows.Scan(&s.Timestamp, &value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		s.Value = value.String
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return out, nil
}

// EnsureTable создаёт подтаблицу точки (dev-окружение, тесты).
func (r *SQLReader) EnsureTable(ctx context.Context, pointKey string) error {
	table := TableName(r.prefix, pointKey)
	stmt := "CREATE TABLE IF NOT EXISTS " + table + " (ts BIGINT PRIMARY KEY, point_value VARCHAR(255))"
	if _, err := r.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}
	return nil
}

// Append пишет значения точки в одной транзакции.
func (r *SQLReader) Append(ctx context.Context, pointKey string, samples ...Sample) error {
	if err := r.EnsureTable(ctx, pointKey); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO "+TableName(r.prefix, pointKey)+" (ts, point_value) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range samples {
		if _, err := stmt.ExecContext(ctx, s.Timestamp, s.Value); err != nil {
			return fmt.Errorf("insert %s@%d: %w", pointKey, s.Timestamp, err)
		}
	}
	return tx.Commit()
}

// Close закрывает соединение, если читатель его открывал.
func (r *SQLReader) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

func isMissingTable(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1146 {
		return true
	}
	return strings.Contains(err.Error(), "no such table")
}
