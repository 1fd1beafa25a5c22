package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/feedsync/internal/model"
)

// PostgresJobRepo はPostgreSQLを使用したジョブリポジトリ。
type PostgresJobRepo struct {
	db *sql.DB
}

// NewPostgresJobRepo はPostgresJobRepoを生成する。
func NewPostgresJobRepo(db *sql.DB) *PostgresJobRepo {
	return &PostgresJobRepo{db: db}
}

const jobColumns = `id, job_type, payload, enabled, next_run_at, running_since,
	        last_run_at, last_error, consecutive_failures, created_at, updated_at`

// scanJob は1行分のジョブを読み取る。
func scanJob(scan func(dest ...any) error) (*model.Job, error) {
	job := &model.Job{}
	var runningSince, lastRunAt sql.NullTime
	var lastError sql.NullString

	if err := scan(
		&job.ID, &job.Type, &job.Payload, &job.Enabled, &job.NextRunAt,
		&runningSince, &lastRunAt, &lastError, &job.ConsecutiveFailures,
		&job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if runningSince.Valid {
		t := runningSince.Time
		job.RunningSince = &t
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time
		job.LastRunAt = &t
	}
	job.LastError = nullStringValue(lastError)

	return job, nil
}

// FindByID は指定IDのジョブを取得する。見つからない場合はnilを返す。
func (r *PostgresJobRepo) FindByID(ctx context.Context, id string) (*model.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)

	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ジョブの取得に失敗しました: %w", err)
	}
	return job, nil
}

// Create はジョブを作成する。
func (r *PostgresJobRepo) Create(ctx context.Context, job *model.Job) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, job_type, payload, enabled, next_run_at,
		                   running_since, last_run_at, last_error,
		                   consecutive_failures, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.Type, job.Payload, job.Enabled, job.NextRunAt,
		nullTime(job.RunningSince), nullTime(job.LastRunAt),
		nullString(job.LastError), job.ConsecutiveFailures,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ジョブの作成に失敗しました: %w", err)
	}
	return nil
}

// ClaimNextDue は実行可能なジョブのうちnext_run_atが最も古い1件を排他的にクレームする。
// サブクエリのFOR UPDATE SKIP LOCKEDにより、並行する呼び出しは同じ行を選択できず、
// 正確に1つの呼び出しだけがrunning_sinceの設定に成功する。
// 単一のアトミックな文のため、SELECTとUPDATEの間に他ワーカーが割り込む余地はない。
func (r *PostgresJobRepo) ClaimNextDue(ctx context.Context, types []model.JobType, staleAfter time.Duration) (*model.Job, error) {
	stale := fmt.Sprintf("%d seconds", int(staleAfter.Seconds()))

	typeNames := make([]string, len(types))
	for i, t := range types {
		typeNames[i] = string(t)
	}

	query := `
		UPDATE jobs SET running_since = now(), updated_at = now()
		WHERE id = (
		    SELECT id FROM jobs
		    WHERE enabled = true
		      AND next_run_at <= now()
		      AND (running_since IS NULL OR running_since < now() - $1::interval)
		      AND ($2 = 0 OR job_type = ANY($3))
		    ORDER BY next_run_at ASC
		    LIMIT 1
		    FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	row := r.db.QueryRowContext(ctx, query, stale, len(typeNames), pq.Array(typeNames))

	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ジョブのクレームに失敗しました: %w", err)
	}
	return job, nil
}

// MarkFinished はジョブの実行完了を記録する。ジョブIDが存在しない場合はfalseを返す。
func (r *PostgresJobRepo) MarkFinished(ctx context.Context, id string, success bool, nextRunAt time.Time, errMsg string) (bool, error) {
	var result sql.Result
	var err error

	if success {
		result, err = r.db.ExecContext(ctx,
			`UPDATE jobs SET
			    running_since = NULL,
			    last_run_at = now(),
			    next_run_at = $2,
			    consecutive_failures = 0,
			    last_error = NULL,
			    updated_at = now()
			 WHERE id = $1`,
			id, nextRunAt,
		)
	} else {
		result, err = r.db.ExecContext(ctx,
			`UPDATE jobs SET
			    running_since = NULL,
			    last_run_at = now(),
			    next_run_at = $2,
			    consecutive_failures = consecutive_failures + 1,
			    last_error = $3,
			    updated_at = now()
			 WHERE id = $1`,
			id, nextRunAt, nullString(errMsg),
		)
	}
	if err != nil {
		return false, fmt.Errorf("ジョブ完了の記録に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ジョブ完了の更新件数の取得に失敗しました: %w", err)
	}
	return affected > 0, nil
}

// List はジョブ一覧を取得する。読み取り専用で副作用を持たない。
func (r *PostgresJobRepo) List(ctx context.Context, filter JobFilter) ([]*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}

	if filter.Enabled != nil {
		args = append(args, *filter.Enabled)
		query += fmt.Sprintf(" AND enabled = $%d", len(args))
	}
	if filter.Type != nil {
		args = append(args, *filter.Type)
		query += fmt.Sprintf(" AND job_type = $%d", len(args))
	}

	query += " ORDER BY next_run_at ASC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ジョブ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("ジョブ一覧の読み取りに失敗しました: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ジョブ一覧の走査に失敗しました: %w", err)
	}

	return jobs, nil
}

// FindFetchJobByFeedID は指定フィードのfetch_feedジョブを取得する。見つからない場合はnilを返す。
func (r *PostgresJobRepo) FindFetchJobByFeedID(ctx context.Context, feedID string) (*model.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE job_type = $1 AND payload->>'feed_id' = $2`,
		model.JobTypeFetchFeed, feedID)

	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィードのフェッチジョブの取得に失敗しました: %w", err)
	}
	return job, nil
}

// SetEnabled はジョブの有効フラグを更新する。
func (r *PostgresJobRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET enabled = $2, updated_at = now() WHERE id = $1`,
		id, enabled,
	)
	if err != nil {
		return fmt.Errorf("ジョブの有効フラグの更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateNextRun はジョブの次回実行時刻を更新する。
func (r *PostgresJobRepo) UpdateNextRun(ctx context.Context, id string, nextRunAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET next_run_at = $2, updated_at = now() WHERE id = $1`,
		id, nextRunAt,
	)
	if err != nil {
		return fmt.Errorf("ジョブの次回実行時刻の更新に失敗しました: %w", err)
	}
	return nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullTime は*time.Timeをsql.NullTimeに変換する。
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// compile-time interface check
var _ JobRepository = (*PostgresJobRepo)(nil)
