package db

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/YannKr/streamgate/internal/model"
)

// SaveJob upserts a job row. Workers call it when a job reaches a terminal
// state so that status survives a restart and in-memory pruning.
func SaveJob(database *sql.DB, j *model.AnalysisJob) error {
	var result any
	if j.Result != nil {
		b, err := json.Marshal(j.Result)
		if err != nil {
			return err
		}
		result = string(b)
	}
	_, err := database.Exec(
		`INSERT INTO analysis_jobs (id, queue, user_id, url, state, progress, result_json,
		   error, error_kind, created_at, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   state = excluded.state,
		   progress = excluded.progress,
		   result_json = excluded.result_json,
		   error = excluded.error,
		   error_kind = excluded.error_kind,
		   started_at = excluded.started_at,
		   finished_at = excluded.finished_at`,
		j.ID, j.Queue, j.UserID, j.URL, string(j.State), j.Progress, result,
		j.Error, j.ErrorKind, formatTime(j.CreatedAt),
		formatTimePtr(j.StartedAt), formatTimePtr(j.FinishedAt),
	)
	return err
}

func GetJob(database *sql.DB, id string) (*model.AnalysisJob, error) {
	j := &model.AnalysisJob{}
	var state string
	var result sql.NullString
	var createdAt SQLiteTime
	var startedAt, finishedAt sql.NullString
	err := database.QueryRow(
		`SELECT id, queue, user_id, url, state, progress, result_json, error, error_kind,
		        created_at, started_at, finished_at
		 FROM analysis_jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.Queue, &j.UserID, &j.URL, &state, &j.Progress, &result,
		&j.Error, &j.ErrorKind, &createdAt, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.State = model.JobState(state)
	j.CreatedAt = createdAt.Time
	j.StartedAt = scanNullTime(startedAt)
	j.FinishedAt = scanNullTime(finishedAt)
	if result.Valid && result.String != "" {
		var meta model.VideoMetadata
		if err := json.Unmarshal([]byte(result.String), &meta); err != nil {
			return nil, err
		}
		j.Result = &meta
	}
	return j, nil
}

// DeleteJobsFinishedBefore prunes terminal job rows older than cutoff.
func DeleteJobsFinishedBefore(database *sql.DB, cutoff time.Time) (int64, error) {
	res, err := database.Exec(
		`DELETE FROM analysis_jobs WHERE finished_at IS NOT NULL AND finished_at <= ?`,
		formatTime(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
