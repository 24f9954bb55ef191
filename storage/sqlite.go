package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteStore 基于 database/sql 的持久化实现
//
// 每个命名空间一张独立的表，单个命名空间的数据损坏不会影响其余命名空间的恢复。
// 调用方必须确保所配置的驱动已通过空导入注册（例如在应用或测试层
// 显式 `_ "modernc.org/sqlite"`），本层只做最小封装。
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig SQLite 存储配置
type SQLiteConfig struct {
	// Path 数据库文件路径；":memory:" 仅用于测试
	Path string

	// Driver 驱动名，默认 "sqlite"
	Driver string

	// BusyTimeout 锁等待超时，默认 5s
	BusyTimeout time.Duration
}

// OpenSQLite 打开（必要时创建）设备端快照数据库
func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	db, err := sql.Open(driver, cfg.Path)
	if err != nil {
		return nil, err
	}
	// 移动端单进程访问，无需连接池
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	for _, ns := range Namespaces {
		stmt := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (k TEXT PRIMARY KEY, v BLOB NOT NULL)`,
			tableName(ns),
		)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func tableName(ns Namespace) string {
	return "kv_" + string(ns)
}

func (s *SQLiteStore) Get(ctx context.Context, ns Namespace, key string) ([]byte, bool, error) {
	var v []byte
	query := fmt.Sprintf(`SELECT v FROM %s WHERE k = ?`, tableName(ns))
	err := s.db.QueryRowContext(ctx, query, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, ns Namespace, key string, value []byte) error {
	stmt := fmt.Sprintf(
		`INSERT INTO %s (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
		tableName(ns),
	)
	_, err := s.db.ExecContext(ctx, stmt, key, value)
	return err
}

func (s *SQLiteStore) Delete(ctx context.Context, ns Namespace, key string) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE k = ?`, tableName(ns))
	_, err := s.db.ExecContext(ctx, stmt, key)
	return err
}

func (s *SQLiteStore) List(ctx context.Context, ns Namespace) ([]Pair, error) {
	query := fmt.Sprintf(`SELECT k, v FROM %s ORDER BY k`, tableName(ns))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.Key, &p.Value); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// sqliteTx 包装 *sql.Tx 实现 ITx
type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Put(ns Namespace, key string, value []byte) error {
	stmt := fmt.Sprintf(
		`INSERT INTO %s (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
		tableName(ns),
	)
	_, err := t.tx.Exec(stmt, key, value)
	return err
}

func (t *sqliteTx) Delete(ns Namespace, key string) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE k = ?`, tableName(ns))
	_, err := t.tx.Exec(stmt, key)
	return err
}

func (s *SQLiteStore) Update(ctx context.Context, fn func(tx ITx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&sqliteTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ IKVStore = (*SQLiteStore)(nil)
