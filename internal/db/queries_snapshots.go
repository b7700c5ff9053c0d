package db

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/YannKr/streamgate/internal/model"
)

func InsertSnapshot(database *sql.DB, s *model.PerformanceSnapshot) error {
	depths, err := json.Marshal(s.QueueDepths)
	if err != nil {
		return err
	}
	_, err = database.Exec(
		`INSERT INTO performance_snapshots (captured_at, active_streams, total_streams, failed_streams,
		   error_rate, active_tokens, total_tokens, queue_depths, mean_duration_ms, p95_duration_ms,
		   mean_throughput)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(s.CapturedAt), s.ActiveStreams, s.TotalStreams, s.FailedStreams,
		s.ErrorRate, s.ActiveTokens, s.TotalTokens, string(depths),
		s.MeanDurationMS, s.P95DurationMS, s.MeanThroughput,
	)
	return err
}

// ListSnapshotsSince returns snapshots captured at or after since, oldest first.
func ListSnapshotsSince(database *sql.DB, since time.Time, limit int) ([]model.PerformanceSnapshot, error) {
	rows, err := database.Query(
		`SELECT captured_at, active_streams, total_streams, failed_streams, error_rate,
		        active_tokens, total_tokens, queue_depths, mean_duration_ms, p95_duration_ms,
		        mean_throughput
		 FROM performance_snapshots WHERE captured_at >= ? ORDER BY captured_at ASC LIMIT ?`,
		formatTime(since), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PerformanceSnapshot
	for rows.Next() {
		var s model.PerformanceSnapshot
		var capturedAt SQLiteTime
		var depths string
		if err := rows.Scan(&capturedAt, &s.ActiveStreams, &s.TotalStreams, &s.FailedStreams,
			&s.ErrorRate, &s.ActiveTokens, &s.TotalTokens, &depths,
			&s.MeanDurationMS, &s.P95DurationMS, &s.MeanThroughput); err != nil {
			return nil, err
		}
		s.CapturedAt = capturedAt.Time
		if err := json.Unmarshal([]byte(depths), &s.QueueDepths); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func DeleteSnapshotsBefore(database *sql.DB, cutoff time.Time) (int64, error) {
	res, err := database.Exec(`DELETE FROM performance_snapshots WHERE captured_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
