package store

import (
	"database/sql"
	"time"

	"metricsync/internal/models"
)

// StartFetchRun creates an audit row for one outbound fetch and returns it.
// Audit failures are never fatal to the fetch itself; callers log and move on.
func (s *Store) StartFetchRun(concern, endpoint, sourceName, metric string, generation uint64) (*models.FetchRun, error) {
	run := &models.FetchRun{
		StartedAt:  time.Now().UTC(),
		Concern:    concern,
		Endpoint:   endpoint,
		SourceName: sourceName,
		Metric:     metric,
		Generation: generation,
	}

	result, err := s.db.Exec(`
		INSERT INTO fetch_runs (started_at, concern, endpoint, source_name, metric, generation, success)
		VALUES (?, ?, ?, ?, ?, ?, FALSE)
	`, run.StartedAt, run.Concern, run.Endpoint, run.SourceName, run.Metric, run.Generation)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteFetchRun records the outcome of a fetch run.
func (s *Store) CompleteFetchRun(run *models.FetchRun) error {
	if run == nil {
		return nil
	}
	run.CompletedAt = time.Now().UTC()

	_, err := s.db.Exec(`
		UPDATE fetch_runs SET
			completed_at = ?,
			http_status = ?,
			records_parsed = ?,
			records_kept = ?,
			success = ?,
			superseded = ?,
			error_message = ?
		WHERE id = ?
	`, run.CompletedAt,
		nullInt(run.HTTPStatus),
		run.RecordsParsed, run.RecordsKept,
		run.Success, run.Superseded,
		nullString(run.ErrorMessage),
		run.ID)
	return err
}

// RecentFetchRuns returns the most recent fetch runs, newest first.
func (s *Store) RecentFetchRuns(limit int) ([]models.FetchRun, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, COALESCE(completed_at, started_at), concern, endpoint,
		       COALESCE(source_name, ''), COALESCE(metric, ''), generation,
		       COALESCE(http_status, 0), COALESCE(records_parsed, 0), COALESCE(records_kept, 0),
		       success, superseded, COALESCE(error_message, '')
		FROM fetch_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.FetchRun
	for rows.Next() {
		var r models.FetchRun
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.CompletedAt, &r.Concern, &r.Endpoint,
			&r.SourceName, &r.Metric, &r.Generation,
			&r.HTTPStatus, &r.RecordsParsed, &r.RecordsKept,
			&r.Success, &r.Superseded, &r.ErrorMessage); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func nullInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v != 0}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
