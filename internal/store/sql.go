package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pq "github.com/lib/pq"

	"pixiv-crawler/internal/config"
)

// SQLStore persists directly into Postgres. Supabase projects expose the
// same Postgres instance, so this backend writes the exact tables the REST
// backend does.
type SQLStore struct {
	db          *sql.DB
	autoMigrate bool
	logger      *slog.Logger
}

// NewSQLStore initialises a Postgres-backed store from configuration.
func NewSQLStore(cfg config.SQLConfig, logger *slog.Logger) (*SQLStore, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("sql config missing driver or dsn")
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sql connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}
	store := &SQLStore{
		db:          db,
		autoMigrate: cfg.AutoMigrate,
		logger:      logger,
	}
	if cfg.AutoMigrate {
		if err := store.ensureSchema(context.Background()); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// CreatePic inserts one artwork row. Duplicate pids are logged and ignored.
func (s *SQLStore) CreatePic(ctx context.Context, pic Pic) error {
	query := `
        INSERT INTO pic (pid, download_time, tag, good, star, view, popularity, image_path, image_url, file_size)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (pid) DO NOTHING
    `
	res, err := s.exec(ctx, query,
		pic.PID,
		pic.DownloadTime,
		pic.Tag,
		pic.Good,
		pic.Star,
		pic.View,
		pic.Popularity,
		pic.ImagePath,
		pic.ImageURL,
		pic.FileSize,
	)
	if err != nil {
		return fmt.Errorf("create pic %s: %w", pic.PID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.logger.Info("pic already stored", "pid", pic.PID)
	}
	return nil
}

// UpsertPic writes one artwork row, replacing the fields of an existing row.
func (s *SQLStore) UpsertPic(ctx context.Context, pic Pic) error {
	query := `
        INSERT INTO pic (pid, download_time, tag, good, star, view, popularity, image_path, image_url, file_size)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (pid) DO UPDATE SET
            download_time = EXCLUDED.download_time,
            tag = EXCLUDED.tag,
            good = EXCLUDED.good,
            star = EXCLUDED.star,
            view = EXCLUDED.view,
            popularity = EXCLUDED.popularity,
            image_path = EXCLUDED.image_path,
            image_url = EXCLUDED.image_url,
            file_size = EXCLUDED.file_size
    `
	if _, err := s.exec(ctx, query,
		pic.PID,
		pic.DownloadTime,
		pic.Tag,
		pic.Good,
		pic.Star,
		pic.View,
		pic.Popularity,
		pic.ImagePath,
		pic.ImageURL,
		pic.FileSize,
	); err != nil {
		return fmt.Errorf("upsert pic %s: %w", pic.PID, err)
	}
	return nil
}

// GetPic fetches one artwork row; a missing pid yields (nil, nil).
func (s *SQLStore) GetPic(ctx context.Context, pid string) (*Pic, error) {
	query := `
        SELECT pid, download_time, tag, good, star, view, popularity, image_path, image_url, file_size
        FROM pic WHERE pid = $1
    `
	var pic Pic
	err := s.db.QueryRowContext(ctx, query, pid).Scan(
		&pic.PID,
		&pic.DownloadTime,
		&pic.Tag,
		&pic.Good,
		&pic.Star,
		&pic.View,
		&pic.Popularity,
		&pic.ImagePath,
		&pic.ImageURL,
		&pic.FileSize,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pic %s: %w", pid, err)
	}
	return &pic, nil
}

// UpsertMinimalPics records bare pid rows; existing rows are left untouched.
func (s *SQLStore) UpsertMinimalPics(ctx context.Context, pids []string) error {
	pids = dedupePids(pids)
	if len(pids) == 0 {
		return nil
	}
	query := `
        INSERT INTO pic (pid, download_time)
        SELECT unnest($1::text[]), $2
        ON CONFLICT (pid) DO NOTHING
    `
	if _, err := s.exec(ctx, query, pq.Array(pids), Now()); err != nil {
		return fmt.Errorf("upsert minimal pics: %w", err)
	}
	return nil
}

// RandomPids samples up to n pids from the stored artworks.
func (s *SQLStore) RandomPids(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT pid FROM pic ORDER BY random() LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("random pids: %w", err)
	}
	defer rows.Close()
	return scanPids(rows)
}

// EnsureTask creates the task row for a pid if it does not exist yet.
func (s *SQLStore) EnsureTask(ctx context.Context, pid string) error {
	return s.BatchEnsureTasks(ctx, []string{pid})
}

// BatchEnsureTasks creates task rows for all pids that lack one. Existing
// rows keep their flags; duplicate input ids collapse to a single row.
func (s *SQLStore) BatchEnsureTasks(ctx context.Context, pids []string) error {
	pids = dedupePids(pids)
	if len(pids) == 0 {
		return nil
	}
	query := `
        INSERT INTO pic_task (pid, created_at, updated_at)
        SELECT unnest($1::text[]), $2, $2
        ON CONFLICT (pid) DO NOTHING
    `
	if _, err := s.exec(ctx, query, pq.Array(pids), Now()); err != nil {
		return fmt.Errorf("batch ensure tasks: %w", err)
	}
	return nil
}

// UpdateTaskFlag marks one crawl dimension of a pid as completed.
func (s *SQLStore) UpdateTaskFlag(ctx context.Context, pid string, flag TaskFlag, count int) error {
	if !flag.Valid() {
		return fmt.Errorf("unknown task flag %q", flag)
	}
	if err := s.EnsureTask(ctx, pid); err != nil {
		return err
	}

	// Column names derive from a closed set of flags, never user input.
	var query string
	args := []any{Now(), pid}
	if flag.HasCount() {
		query = fmt.Sprintf(`
            UPDATE pic_task
            SET %s_crawled = TRUE, %s_time = $1, %s_count = $3, updated_at = $1
            WHERE pid = $2
        `, flag, flag, flag)
		args = append(args, count)
	} else {
		query = fmt.Sprintf(`
            UPDATE pic_task
            SET %s_crawled = TRUE, %s_time = $1, updated_at = $1
            WHERE pid = $2
        `, flag, flag)
	}
	if _, err := s.exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update task flag %s for %s: %w", flag, pid, err)
	}
	return nil
}

// GetTask fetches one task row; a missing pid yields (nil, nil).
func (s *SQLStore) GetTask(ctx context.Context, pid string) (*TaskState, error) {
	query := `
        SELECT pid,
               illust_recommend_crawled, COALESCE(illust_recommend_time, ''), illust_recommend_count,
               author_recommend_crawled, COALESCE(author_recommend_time, ''), author_recommend_count,
               detail_info_crawled, COALESCE(detail_info_time, ''),
               COALESCE(created_at, ''), COALESCE(updated_at, '')
        FROM pic_task WHERE pid = $1
    `
	var task TaskState
	err := s.db.QueryRowContext(ctx, query, pid).Scan(
		&task.PID,
		&task.IllustRecommendDone,
		&task.IllustRecommendTime,
		&task.IllustRecommendCount,
		&task.AuthorRecommendDone,
		&task.AuthorRecommendTime,
		&task.AuthorRecommendCount,
		&task.DetailInfoDone,
		&task.DetailInfoTime,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", pid, err)
	}
	return &task, nil
}

// ListUncompleted returns up to limit pids whose flag is still unset,
// oldest first.
func (s *SQLStore) ListUncompleted(ctx context.Context, flag TaskFlag, limit int) ([]string, error) {
	if !flag.Valid() {
		return nil, fmt.Errorf("unknown task flag %q", flag)
	}
	if limit <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
        SELECT pid FROM pic_task
        WHERE %s_crawled = FALSE
        ORDER BY updated_at ASC
        LIMIT $1
    `, flag)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list uncompleted %s: %w", flag, err)
	}
	defer rows.Close()
	return scanPids(rows)
}

// UpsertRankings writes one board snapshot.
func (s *SQLStore) UpsertRankings(ctx context.Context, entries []RankingEntry) error {
	if len(entries) == 0 {
		return nil
	}
	query := `
        INSERT INTO ranking (pid, rank, rank_type, rank_date)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (rank_type, rank_date, pid) DO UPDATE SET rank = EXCLUDED.rank
    `
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ranking tx: %w", err)
	}
	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx, query, entry.PID, entry.Rank, entry.RankType, entry.RankDate); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert ranking %s: %w", entry.PID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ranking tx: %w", err)
	}
	return nil
}

// Stats reports row counts for the three tables plus artwork aggregates.
func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	picQuery := `
        SELECT COUNT(*),
               COUNT(*) FILTER (WHERE image_path <> ''),
               COALESCE(AVG(popularity), 0)
        FROM pic`
	if err := s.db.QueryRowContext(ctx, picQuery).Scan(&stats.Pics, &stats.Downloaded, &stats.AvgPopularity); err != nil {
		return Stats{}, fmt.Errorf("pic stats: %w", err)
	}
	counts := []struct {
		table string
		dst   *int
	}{
		{"pic_task", &stats.Tasks},
		{"ranking", &stats.Rankings},
	}
	for _, c := range counts {
		query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, c.table)
		if err := s.db.QueryRowContext(ctx, query).Scan(c.dst); err != nil {
			return Stats{}, fmt.Errorf("count %s: %w", c.table, err)
		}
	}
	return stats, nil
}

// exec runs a statement, creating the schema and retrying once when the
// target table does not exist yet.
func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil && s.autoMigrate && isUndefinedTableErr(err) {
		if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
			return nil, fmt.Errorf("ensure schema: %w", schemaErr)
		}
		return s.db.ExecContext(ctx, query, args...)
	}
	return res, err
}

// Close closes the underlying DB connection.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil || !s.autoMigrate {
		return nil
	}
	schemaCtx := ctx
	if schemaCtx == nil || schemaCtx.Err() != nil {
		schemaCtx = context.Background()
	}
	schemaCtx, cancel := context.WithTimeout(schemaCtx, 10*time.Second)
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pic (
		    pid TEXT PRIMARY KEY,
		    download_time TEXT,
		    tag TEXT DEFAULT '',
		    good INT DEFAULT 0,
		    star INT DEFAULT 0,
		    view INT DEFAULT 0,
		    popularity DOUBLE PRECISION DEFAULT 0,
		    image_path TEXT DEFAULT '',
		    image_url TEXT DEFAULT '',
		    file_size BIGINT DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS pic_task (
		    pid TEXT PRIMARY KEY,
		    illust_recommend_crawled BOOLEAN DEFAULT FALSE,
		    illust_recommend_count INT DEFAULT 0,
		    illust_recommend_time TEXT,
		    author_recommend_crawled BOOLEAN DEFAULT FALSE,
		    author_recommend_count INT DEFAULT 0,
		    author_recommend_time TEXT,
		    detail_info_crawled BOOLEAN DEFAULT FALSE,
		    detail_info_time TEXT,
		    created_at TEXT,
		    updated_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pic_task_updated_at ON pic_task (updated_at ASC)`,
		`CREATE TABLE IF NOT EXISTS ranking (
		    pid TEXT NOT NULL,
		    rank INT NOT NULL,
		    rank_type TEXT NOT NULL,
		    rank_date TEXT NOT NULL,
		    PRIMARY KEY (rank_type, rank_date, pid)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist")
}

func scanPids(rows *sql.Rows) ([]string, error) {
	var pids []string
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return nil, fmt.Errorf("scan pid: %w", err)
		}
		pids = append(pids, pid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pids: %w", err)
	}
	return pids, nil
}
