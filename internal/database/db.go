package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/luoye20230624/ZB/internal/model"
)

const (
	HostsTable      = "validated_hosts"
	CandidatesTable = "candidates"
)

// DB 验证主机库，默认 SQLite，dsn 以 postgres:// 开头时使用 PostgreSQL
type DB struct {
	*sql.DB
	driver string
}

// HostRecord validated_hosts 表中的一行
type HostRecord struct {
	Region      string
	ISP         string
	IP          string
	Port        int
	Source      string
	Width       int
	Height      int
	Hits        int
	FirstSeen   time.Time
	ValidatedAt time.Time
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// InitDB 打开数据库并建表
func InitDB(dsn string) (*DB, error) {
	driver := "sqlite"
	if isPostgres(dsn) {
		driver = "postgres"
	} else if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, err
		}
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	db := &DB{DB: sqlDB, driver: driver}

	if driver == "sqlite" {
		// 设置数据库编码为UTF-8
		if _, err := db.Exec("PRAGMA encoding = 'UTF-8'"); err != nil {
			db.Close()
			return nil, err
		}
		// 内存库每个连接都是独立的库
		if strings.Contains(dsn, ":memory:") {
			db.SetMaxOpenConns(1)
		}
	}

	for _, stmt := range []string{createHostsTable, createCandidatesTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("建表失败: %w", err)
		}
	}
	return db, nil
}

const createHostsTable = `
CREATE TABLE IF NOT EXISTS validated_hosts (
    region TEXT NOT NULL,
    isp TEXT NOT NULL,
    ip TEXT NOT NULL,
    port INTEGER NOT NULL,
    source TEXT,
    width INTEGER,
    height INTEGER,
    hits INTEGER NOT NULL DEFAULT 1,
    first_seen BIGINT NOT NULL,
    validated_at BIGINT NOT NULL,
    PRIMARY KEY (region, isp, ip, port)
);
`

const createCandidatesTable = `
CREATE TABLE IF NOT EXISTS candidates (
    region TEXT NOT NULL,
    isp TEXT NOT NULL,
    ip TEXT NOT NULL,
    port INTEGER NOT NULL,
    source TEXT,
    page INTEGER,
    seen_at BIGINT NOT NULL,
    PRIMARY KEY (region, isp, ip, port)
);
`

// rebind 将 ? 占位符转换为 PostgreSQL 的 $n
func (db *DB) rebind(query string) string {
	if db.driver != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// 合并字符串（去重 + 分号连接）
func mergeValues(a, b string) string {
	m := make(map[string]bool)
	for _, val := range strings.Split(a+";"+b, ";") {
		val = strings.TrimSpace(val)
		if val != "" {
			m[val] = true
		}
	}
	var result []string
	for k := range m {
		result = append(result, k)
	}
	sort.Strings(result)
	return strings.Join(result, ";")
}

// SaveValidated 写入验证通过的主机，已存在时累加命中次数并合并来源
func (db *DB) SaveValidated(region, isp string, hosts []model.ValidatedHost) error {
	querySQL := db.rebind("SELECT source FROM validated_hosts WHERE region = ? AND isp = ? AND ip = ? AND port = ?")

	insertSQL := db.rebind(`
INSERT INTO validated_hosts (region, isp, ip, port, source, width, height, hits, first_seen, validated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
ON CONFLICT(region, isp, ip, port) DO UPDATE SET
    source = excluded.source,
    width = excluded.width,
    height = excluded.height,
    hits = validated_hosts.hits + 1,
    validated_at = excluded.validated_at;
`)

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	queryStmt, err := tx.Prepare(querySQL)
	if err != nil {
		return err
	}
	defer queryStmt.Close()

	insertStmt, err := tx.Prepare(insertSQL)
	if err != nil {
		return err
	}
	defer insertStmt.Close()

	for _, h := range hosts {
		validatedAt := h.ValidatedAt
		if validatedAt.IsZero() {
			validatedAt = time.Now()
		}

		source := h.Source
		var existingSource sql.NullString
		err := queryStmt.QueryRow(region, isp, h.Host, h.Port).Scan(&existingSource)
		switch {
		case err == nil:
			source = mergeValues(existingSource.String, h.Source)
		case err != sql.ErrNoRows:
			return fmt.Errorf("query host %s failed: %w", h.Addr(), err)
		}

		if _, err := insertStmt.Exec(region, isp, h.Host, h.Port, source, h.Width, h.Height,
			validatedAt.Unix(), validatedAt.Unix()); err != nil {
			return fmt.Errorf("upsert host %s failed: %w", h.Addr(), err)
		}
	}

	return tx.Commit()
}

// SaveCandidates 记录搜索得到的候选主机
func (db *DB) SaveCandidates(region, isp string, candidates []model.Candidate, seenAt time.Time) error {
	insertSQL := db.rebind(`
INSERT INTO candidates (region, isp, ip, port, source, page, seen_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(region, isp, ip, port) DO UPDATE SET
    source = excluded.source,
    page = excluded.page,
    seen_at = excluded.seen_at;
`)

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(insertSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range candidates {
		if _, err := stmt.Exec(region, isp, c.Host, c.Port, c.Source, c.Page, seenAt.Unix()); err != nil {
			return fmt.Errorf("insert candidate %s failed: %w", c.Addr(), err)
		}
	}
	return tx.Commit()
}

// RecentHosts 返回 since 之后验证通过的主机，最近验证的排在前面
func (db *DB) RecentHosts(region, isp string, since time.Time) ([]model.Candidate, error) {
	query := db.rebind(`
SELECT ip, port, source FROM validated_hosts
WHERE region = ? AND isp = ? AND validated_at >= ?
ORDER BY validated_at DESC, ip, port`)

	rows, err := db.Query(query, region, isp, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Candidate
	for rows.Next() {
		var c model.Candidate
		var source sql.NullString
		if err := rows.Scan(&c.Host, &c.Port, &source); err != nil {
			return nil, err
		}
		c.Source = source.String
		if c.Source == "" {
			c.Source = "store"
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Hosts 返回全部验证主机，按地区与地址排序
func (db *DB) Hosts() ([]HostRecord, error) {
	rows, err := db.Query(`
SELECT region, isp, ip, port, source, width, height, hits, first_seen, validated_at
FROM validated_hosts ORDER BY region, isp, ip, port`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HostRecord
	for rows.Next() {
		var r HostRecord
		var source sql.NullString
		var width, height sql.NullInt64
		var firstSeen, validatedAt int64
		if err := rows.Scan(&r.Region, &r.ISP, &r.IP, &r.Port, &source, &width, &height, &r.Hits, &firstSeen, &validatedAt); err != nil {
			return nil, err
		}
		r.Source = source.String
		r.Width, r.Height = int(width.Int64), int(height.Int64)
		r.FirstSeen = time.Unix(firstSeen, 0)
		r.ValidatedAt = time.Unix(validatedAt, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetExistingIPs 获取某地区已验证过的全部 host:port
func (db *DB) GetExistingIPs(region, isp string) (map[string]bool, error) {
	rows, err := db.Query(db.rebind("SELECT ip, port FROM validated_hosts WHERE region = ? AND isp = ?"), region, isp)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var c model.Candidate
		if err := rows.Scan(&c.Host, &c.Port); err != nil {
			continue
		}
		existing[c.Addr()] = true
	}
	return existing, rows.Err()
}
