// 本文件用于离线模式的本地存储
// 运行记录写入 SQLite 之后可由同步工具统一上传
package tracker

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"simvue-integrations/internal/models"
)

const offlineDBName = "runs.db"

var errRunNotFound = errors.New("运行不存在")

type offlineBackend struct {
	db     *sql.DB
	dbPath string
}

// newOfflineBackend 打开离线数据库 目录创建 WAL 和建表都在这里完成
func newOfflineBackend(dataDir string) (*offlineBackend, error) {
	root := strings.TrimSpace(dataDir)
	if root == "" {
		return nil, fmt.Errorf("离线目录不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("创建离线目录失败: %w", err)
	}
	dbPath := filepath.Join(root, offlineDBName)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("打开离线数据库失败: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("设置离线数据库 WAL 失败: %w", err)
	}
	if err := migrateOffline(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &offlineBackend{db: db, dbPath: dbPath}, nil
}

func migrateOffline(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			folder TEXT NOT NULL DEFAULT '/',
			description TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'running',
			abort_requested INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS run_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			message TEXT NOT NULL,
			timestamp TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS run_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			value REAL,
			step INTEGER,
			time REAL,
			timestamp TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS run_files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			category TEXT NOT NULL,
			path TEXT NOT NULL,
			url TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL DEFAULT 0,
			checksum TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS run_alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			definition TEXT NOT NULL,
			UNIQUE(run_id, name)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_run_metrics_run ON run_metrics(run_id, name);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("离线数据库迁移失败: %w", err)
		}
	}
	return nil
}

func (b *offlineBackend) createRun(ctx context.Context, cfg RunConfig) (string, error) {
	id, err := newID()
	if err != nil {
		return "", err
	}
	tags, err := json.Marshal(nonNilTags(cfg.Tags))
	if err != nil {
		return "", err
	}
	metadata, err := json.Marshal(nonNilMetadata(cfg.Metadata))
	if err != nil {
		return "", fmt.Errorf("序列化元数据失败: %w", err)
	}
	now := nowTimestamp()
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO runs(id, name, folder, description, tags, metadata, status, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, cfg.Name, cfg.Folder, cfg.Description, string(tags), string(metadata), StatusRunning, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("写入运行记录失败: %w", err)
	}
	return id, nil
}

// updateRun 元数据按键合并 标签整体替换
func (b *offlineBackend) updateRun(ctx context.Context, id string, patch runPatch) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var rawMeta string
	if err = tx.QueryRowContext(ctx, `SELECT metadata FROM runs WHERE id = ?`, id).Scan(&rawMeta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", errRunNotFound, id)
		}
		return err
	}
	now := nowTimestamp()
	if len(patch.Metadata) > 0 {
		merged := map[string]any{}
		if rawMeta != "" {
			if err = json.Unmarshal([]byte(rawMeta), &merged); err != nil {
				return fmt.Errorf("解析元数据失败: %w", err)
			}
		}
		for k, v := range patch.Metadata {
			merged[k] = v
		}
		var data []byte
		if data, err = json.Marshal(merged); err != nil {
			return fmt.Errorf("序列化元数据失败: %w", err)
		}
		if _, err = tx.ExecContext(ctx, `UPDATE runs SET metadata = ?, updated_at = ? WHERE id = ?`, string(data), now, id); err != nil {
			return err
		}
	}
	if patch.Tags != nil {
		var data []byte
		if data, err = json.Marshal(patch.Tags); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `UPDATE runs SET tags = ?, updated_at = ? WHERE id = ?`, string(data), now, id); err != nil {
			return err
		}
	}
	if patch.Status != "" {
		if _, err = tx.ExecContext(ctx, `UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`, patch.Status, now, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (b *offlineBackend) addEvents(ctx context.Context, id string, events []models.RunEvent) error {
	for _, event := range events {
		if _, err := b.db.ExecContext(ctx,
			`INSERT INTO run_events(run_id, message, timestamp) VALUES(?, ?, ?)`,
			id, event.Message, event.Timestamp,
		); err != nil {
			return fmt.Errorf("写入事件失败: %w", err)
		}
	}
	return nil
}

// addMetrics 一次上报的全部取值在同一个事务中写入 NaN 存为 NULL
func (b *offlineBackend) addMetrics(ctx context.Context, id string, points []models.MetricPoint) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, point := range points {
		var step sql.NullInt64
		if point.Step != nil {
			step = sql.NullInt64{Int64: int64(*point.Step), Valid: true}
		}
		var at sql.NullFloat64
		if point.Time != nil && !math.IsNaN(*point.Time) {
			at = sql.NullFloat64{Float64: *point.Time, Valid: true}
		}
		for name, value := range point.Values {
			stored := sql.NullFloat64{Float64: value, Valid: !math.IsNaN(value)}
			if _, err = tx.ExecContext(ctx,
				`INSERT INTO run_metrics(run_id, name, value, step, time, timestamp) VALUES(?, ?, ?, ?, ?, ?)`,
				id, name, stored, step, at, point.Timestamp,
			); err != nil {
				return fmt.Errorf("写入指标 %s 失败: %w", name, err)
			}
		}
	}
	return tx.Commit()
}

func (b *offlineBackend) addFile(ctx context.Context, id string, record models.FileRecord) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO run_files(run_id, name, category, path, url, size, checksum) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		id, record.Name, record.Category, record.Path, record.URL, record.Size, record.Checksum,
	)
	if err != nil {
		return fmt.Errorf("写入文件记录失败: %w", err)
	}
	return nil
}

// addAlert 同名告警以最后一次定义为准
func (b *offlineBackend) addAlert(ctx context.Context, id string, alert map[string]any) error {
	name, _ := alert["name"].(string)
	if name == "" {
		return ErrAlertNotValid
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("序列化告警失败: %w", err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO run_alerts(run_id, name, definition) VALUES(?, ?, ?)
		 ON CONFLICT(run_id, name) DO UPDATE SET definition = excluded.definition`,
		id, name, string(data),
	)
	if err != nil {
		return fmt.Errorf("写入告警失败: %w", err)
	}
	return nil
}

func (b *offlineBackend) aborted(ctx context.Context, id string) (bool, error) {
	var flag int
	err := b.db.QueryRowContext(ctx, `SELECT abort_requested FROM runs WHERE id = ?`, id).Scan(&flag)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%w: %s", errRunNotFound, id)
		}
		return false, err
	}
	return flag != 0, nil
}

// requestAbort 标记运行需要终止 离线模式下由本地工具调用
func (b *offlineBackend) requestAbort(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE runs SET abort_requested = 1, updated_at = ? WHERE id = ?`, nowTimestamp(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", errRunNotFound, id)
	}
	return nil
}

func (b *offlineBackend) close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func newID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("生成运行 ID 失败: %w", err)
	}
	return time.Now().UTC().Format("20060102150405") + "-" + hex.EncodeToString(buf), nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func nonNilMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return map[string]any{}
	}
	return metadata
}

// RunSummary 离线运行的概要信息
type RunSummary struct {
	ID        string
	Name      string
	Folder    string
	Status    string
	Aborted   bool
	Events    int
	Metrics   int
	Files     int
	Alerts    []string
	CreatedAt string
}

// OfflineStore 用于命令行工具直接读取和管理离线运行
type OfflineStore struct {
	backend *offlineBackend
}

// OpenOfflineStore 打开离线目录中的运行数据库
func OpenOfflineStore(dataDir string) (*OfflineStore, error) {
	b, err := newOfflineBackend(dataDir)
	if err != nil {
		return nil, err
	}
	return &OfflineStore{backend: b}, nil
}

func (s *OfflineStore) Path() string { return s.backend.dbPath }

func (s *OfflineStore) Close() error { return s.backend.close() }

// RequestAbort 标记运行需要终止 启动器下一次轮询时会停止仿真
func (s *OfflineStore) RequestAbort(ctx context.Context, id string) error {
	return s.backend.requestAbort(ctx, id)
}

// IntegrityCheck 执行 sqlite 自检 正常时返回 "ok"
func (s *OfflineStore) IntegrityCheck(ctx context.Context) (string, error) {
	var result string
	if err := s.backend.db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return "", fmt.Errorf("离线数据库自检失败: %w", err)
	}
	return result, nil
}

// ListRuns 按创建时间返回所有离线运行
func (s *OfflineStore) ListRuns(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.backend.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.folder, r.status, r.abort_requested, r.created_at,
			(SELECT COUNT(1) FROM run_events e WHERE e.run_id = r.id),
			(SELECT COUNT(1) FROM run_metrics m WHERE m.run_id = r.id),
			(SELECT COUNT(1) FROM run_files f WHERE f.run_id = r.id)
		FROM runs r ORDER BY r.created_at, r.id`)
	if err != nil {
		return nil, fmt.Errorf("查询离线运行失败: %w", err)
	}
	defer rows.Close()
	var out []RunSummary
	for rows.Next() {
		var item RunSummary
		var aborted int
		if err := rows.Scan(&item.ID, &item.Name, &item.Folder, &item.Status, &aborted, &item.CreatedAt,
			&item.Events, &item.Metrics, &item.Files); err != nil {
			return nil, err
		}
		item.Aborted = aborted != 0
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		alerts, err := s.alertNames(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Alerts = alerts
	}
	return out, nil
}

func (s *OfflineStore) alertNames(ctx context.Context, id string) ([]string, error) {
	rows, err := s.backend.db.QueryContext(ctx, `SELECT name FROM run_alerts WHERE run_id = ? ORDER BY name`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
