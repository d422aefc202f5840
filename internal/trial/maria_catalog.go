package trial

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// MariaCatalog реализует Catalog поверх таблиц trial и point в MariaDB/MySQL.
// Таблицы принадлежат сервису испытаний; каталог только читает их.
type MariaCatalog struct {
	db     *sql.DB
	ownsDB bool
}

// NewMariaCatalog открывает соединение с MariaDB.
//
// Параметры:
//
//	dsn - строка подключения (user:pass@tcp(host:port)/dbname)
func NewMariaCatalog(dsn string) (*MariaCatalog, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MariaDB: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MariaDB: %w", err)
	}

	return &MariaCatalog{db: db, ownsDB: true}, nil
}

// NewSQLCatalog использует уже открытое соединение (любой драйвер с
// плейсхолдерами "?"). Соединение не закрывается в Close.
func NewSQLCatalog(db *sql.DB) *MariaCatalog {
	return &MariaCatalog{db: db}
}

// EnsureSchema создаёт таблицы, если их нет. Нужна для dev-окружения и тестов.
func (c *MariaCatalog) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trial (
			id              BIGINT       PRIMARY KEY,
			name            VARCHAR(255) NOT NULL,
			run_no          VARCHAR(64),
			mode            VARCHAR(64),
			start_timestamp BIGINT       NOT NULL,
			end_timestamp   BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS point (
			id       BIGINT       PRIMARY KEY,
			identity VARCHAR(255) NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Get загружает испытание по ID.
func (c *MariaCatalog) Get(ctx context.Context, id int64) (*Trial, error) {
	query := `SELECT id, name, run_no, mode, start_timestamp, end_timestamp FROM trial WHERE id = ?`

	var (
		t     Trial
		runNo sql.NullString
		mode  sql.NullString
		end   sql.NullInt64
	)
	err := c.db.QueryRowContext(ctx, query, id).Scan(&t.ID, &t.Name, &runNo, &mode, &t.StartTimestamp, &end)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("trial %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load trial %d: %w", id, err)
	}

	t.RunNo = runNo.String
	t.Mode = mode.String
	if end.Valid {
		t.EndTimestamp = Millis(end.Int64)
	}
	return &t, nil
}

// Points возвращает все зарегистрированные точки. Испытание
// воспроизводится по полному списку точек, trialID нужен только для
// проверки существования испытания.
func (c *MariaCatalog) Points(ctx context.Context, trialID int64) ([]Point, error) {
	var exists int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trial WHERE id = ?`, trialID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check trial %d: %w", trialID, err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("trial %d: %w", trialID, ErrNotFound)
	}

	rows, err := c.db.QueryContext(ctx, `SELECT id, identity FROM point ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load points: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.ID, &p.Identity); err != nil {
			return nil, fmt.Errorf("scan point: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate points: %w", err)
	}
	return points, nil
}

// Close закрывает соединение, если каталог его открывал.
func (c *MariaCatalog) Close() error {
	if !c.ownsDB {
		return nil
	}
	return c.db.Close()
}
