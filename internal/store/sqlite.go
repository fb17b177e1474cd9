package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates if necessary) the database at path.
// Foreign keys, WAL and a busy timeout are applied per connection so the
// cascade constraints hold and concurrent writers retry instead of failing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_time_format=sqlite" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) init() error {
	query := `
	CREATE TABLE IF NOT EXISTS endpoints (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		creator_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		max_requests INTEGER NOT NULL DEFAULT 0,
		request_count INTEGER NOT NULL DEFAULT 0,
		schema_json TEXT NOT NULL DEFAULT '',
		auto_delete_days INTEGER NOT NULL DEFAULT 7,
		created_at DATETIME NOT NULL,
		expires_at DATETIME,
		expired_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_endpoints_creator_id ON endpoints(creator_id);
	CREATE INDEX IF NOT EXISTS idx_endpoints_status ON endpoints(status);
	CREATE TABLE IF NOT EXISTS requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		endpoint_id TEXT NOT NULL,
		method TEXT NOT NULL,
		path TEXT NOT NULL DEFAULT '',
		query TEXT NOT NULL DEFAULT '',
		remote_addr TEXT NOT NULL DEFAULT '',
		headers TEXT NOT NULL DEFAULT '{}',
		body BLOB,
		body_size INTEGER NOT NULL DEFAULT 0,
		body_truncated INTEGER NOT NULL DEFAULT 0,
		content_type TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		referer TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		validation TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY(endpoint_id) REFERENCES endpoints(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_requests_endpoint_id ON requests(endpoint_id);
	CREATE INDEX IF NOT EXISTS idx_requests_created_at ON requests(created_at);
	CREATE TABLE IF NOT EXISTS endpoint_stats (
		endpoint_id TEXT PRIMARY KEY,
		total_requests INTEGER NOT NULL DEFAULT 0,
		total_bytes INTEGER NOT NULL DEFAULT 0,
		get_count INTEGER NOT NULL DEFAULT 0,
		post_count INTEGER NOT NULL DEFAULT 0,
		put_count INTEGER NOT NULL DEFAULT 0,
		patch_count INTEGER NOT NULL DEFAULT 0,
		delete_count INTEGER NOT NULL DEFAULT 0,
		other_count INTEGER NOT NULL DEFAULT 0,
		json_count INTEGER NOT NULL DEFAULT 0,
		form_count INTEGER NOT NULL DEFAULT 0,
		xml_count INTEGER NOT NULL DEFAULT 0,
		text_count INTEGER NOT NULL DEFAULT 0,
		other_type_count INTEGER NOT NULL DEFAULT 0,
		last_request_at DATETIME,
		FOREIGN KEY(endpoint_id) REFERENCES endpoints(id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(query)
	return err
}

const endpointColumns = "id, name, description, creator_id, status, max_requests, request_count, schema_json, auto_delete_days, created_at, expires_at, expired_at"

func (s *SQLiteStore) CreateEndpoint(ctx context.Context, e *Endpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO endpoints (`+endpointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Name, e.Description, e.CreatorID, e.Status, e.MaxRequests, e.RequestCount,
		e.SchemaJSON, e.AutoDeleteDays, e.CreatedAt.UTC(), nullableTime(e.ExpiresAt), nullableTime(e.ExpiredAt))
	if isUniqueViolation(err) {
		return ErrDuplicateID
	}
	return err
}

func (s *SQLiteStore) GetEndpoint(ctx context.Context, id string) (*Endpoint, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+endpointColumns+" FROM endpoints WHERE id = ?", id)
	return scanEndpoint(row)
}

func (s *SQLiteStore) ListEndpoints(ctx context.Context, creatorID string, limit int) ([]*Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+endpointColumns+`
		FROM endpoints
		WHERE creator_id = ? AND status != ?
		ORDER BY created_at DESC, id
		LIMIT ?
	`, creatorID, StatusDeleted, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var endpoints []*Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, e)
	}
	return endpoints, rows.Err()
}

func (s *SQLiteStore) MarkEndpointDeleted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE endpoints SET status = ? WHERE id = ?", StatusDeleted, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) MarkEndpointExpired(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE endpoints SET status = ?, expired_at = ?
		WHERE id = ? AND status = ?
	`, StatusExpired, now.UTC(), id, StatusActive)
	return err
}

func (s *SQLiteStore) UpdateEndpointSchema(ctx context.Context, id string, schemaJSON string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE endpoints SET schema_json = ? WHERE id = ?", schemaJSON, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementRequestCount is the single serialization point for concurrent
// captures: the count moves forward only through this conditional update,
// never through a read-modify-write.
func (s *SQLiteStore) IncrementRequestCount(ctx context.Context, id string, now time.Time) (int, bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE endpoints
		SET request_count = request_count + 1
		WHERE id = ? AND status = ?
		  AND (expires_at IS NULL OR expires_at > ?)
		  AND (max_requests = 0 OR request_count < max_requests)
		RETURNING request_count
	`, id, StatusActive, now.UTC()).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return count, true, nil
}

const requestColumns = "id, endpoint_id, method, path, query, remote_addr, headers, body, body_size, body_truncated, content_type, user_agent, referer, location, validation, created_at"

func (s *SQLiteStore) SaveRequest(ctx context.Context, req *Request) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO requests (endpoint_id, method, path, query, remote_addr, headers, body, body_size, body_truncated, content_type, user_agent, referer, location, validation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.EndpointID, req.Method, req.Path, req.Query, req.RemoteAddr, req.Headers, []byte(req.Body),
		req.BodySize, req.BodyTruncated, req.ContentType, req.UserAgent, req.Referer, req.Location, req.Validation, req.CreatedAt.UTC())
	if err != nil {
		return err
	}

	mcol := methodColumn(req.Method)
	ccol := contentTypeColumn(req.ContentType)
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO endpoint_stats (endpoint_id, total_requests, total_bytes, %[1]s, %[2]s, last_request_at)
		VALUES (?, 1, ?, 1, 1, ?)
		ON CONFLICT(endpoint_id) DO UPDATE SET
			total_requests = total_requests + 1,
			total_bytes = total_bytes + excluded.total_bytes,
			%[1]s = %[1]s + 1,
			%[2]s = %[2]s + 1,
			last_request_at = excluded.last_request_at
	`, mcol, ccol), req.EndpointID, req.BodySize, req.CreatedAt.UTC())
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	req.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id int64) (*Request, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+requestColumns+" FROM requests WHERE id = ?", id)
	return scanRequest(row)
}

func (s *SQLiteStore) GetRequests(ctx context.Context, endpointID string, limit int) ([]*Request, error) {
	return s.GetRequestsWithOffset(ctx, endpointID, limit, 0)
}

func (s *SQLiteStore) GetRequestsWithOffset(ctx context.Context, endpointID string, limit, offset int) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM requests
		WHERE endpoint_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, endpointID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

func (s *SQLiteStore) CountRequests(ctx context.Context, endpointID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM requests WHERE endpoint_id = ?", endpointID).Scan(&n)
	return n, err
}

func (s *SQLiteStore) DeleteRequest(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM requests WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetStats(ctx context.Context, endpointID string) (*EndpointStats, error) {
	st := &EndpointStats{EndpointID: endpointID}
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT total_requests, total_bytes, get_count, post_count, put_count, patch_count, delete_count, other_count,
		       json_count, form_count, xml_count, text_count, other_type_count, last_request_at
		FROM endpoint_stats WHERE endpoint_id = ?
	`, endpointID).Scan(&st.TotalRequests, &st.TotalBytes, &st.GetCount, &st.PostCount, &st.PutCount,
		&st.PatchCount, &st.DeleteCount, &st.OtherCount, &st.JSONCount, &st.FormCount, &st.XMLCount,
		&st.TextCount, &st.OtherTypeCount, &last)
	if errors.Is(err, sql.ErrNoRows) {
		// No captures yet, all counters stay zero.
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	if last.Valid {
		t := last.Time
		st.LastRequestAt = &t
	}
	return st, nil
}

func (s *SQLiteStore) MarkExpiredEndpoints(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE endpoints SET status = ?, expired_at = ?
		WHERE status = ?
		  AND ((expires_at IS NOT NULL AND expires_at <= ?)
		    OR (max_requests > 0 AND request_count >= max_requests))
	`, StatusExpired, now.UTC(), StatusActive, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListPurgeableEndpoints returns endpoints eligible for permanent removal:
// deleted ones right away, expired ones once their retention grace has
// passed. The grace period is per endpoint (auto_delete_days), counted from
// the moment the endpoint was marked expired.
func (s *SQLiteStore) ListPurgeableEndpoints(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, auto_delete_days, expired_at
		FROM endpoints
		WHERE status != ?
		ORDER BY created_at
		LIMIT ?
	`, StatusActive, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now = now.UTC()
	var ids []string
	for rows.Next() {
		var (
			id        string
			status    string
			graceDays int
			expiredAt sql.NullTime
		)
		if err := rows.Scan(&id, &status, &graceDays, &expiredAt); err != nil {
			return nil, err
		}
		switch status {
		case StatusDeleted:
			ids = append(ids, id)
		case StatusExpired:
			if !expiredAt.Valid {
				// Marked before expired_at existed; purge on grace from zero.
				ids = append(ids, id)
				continue
			}
			cutoff := expiredAt.Time.Add(time.Duration(graceDays) * 24 * time.Hour)
			if !now.Before(cutoff) {
				ids = append(ids, id)
			}
		}
	}
	return ids, rows.Err()
}

// PurgeEndpoint permanently removes an endpoint and everything it owns.
// Dependent rows go first so an interrupted pass can only leave an endpoint
// without records, which the next sweep picks up again. The endpoint delete
// re-checks the status so a row that is still active is never purged.
func (s *SQLiteStore) PurgeEndpoint(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, "SELECT status FROM endpoints WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if status == StatusActive {
		return nil
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM requests WHERE endpoint_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM endpoint_stats WHERE endpoint_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM endpoints WHERE id = ? AND status != ?", id, StatusActive); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteRequestsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM requests WHERE created_at < ?", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row scanner) (*Endpoint, error) {
	var e Endpoint
	var expiresAt, expiredAt sql.NullTime
	err := row.Scan(&e.ID, &e.Name, &e.Description, &e.CreatorID, &e.Status, &e.MaxRequests,
		&e.RequestCount, &e.SchemaJSON, &e.AutoDeleteDays, &e.CreatedAt, &expiresAt, &expiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		e.ExpiresAt = &t
	}
	if expiredAt.Valid {
		t := expiredAt.Time
		e.ExpiredAt = &t
	}
	return &e, nil
}

func scanRequest(row scanner) (*Request, error) {
	var r Request
	var body []byte
	err := row.Scan(&r.ID, &r.EndpointID, &r.Method, &r.Path, &r.Query, &r.RemoteAddr, &r.Headers,
		&body, &r.BodySize, &r.BodyTruncated, &r.ContentType, &r.UserAgent, &r.Referer,
		&r.Location, &r.Validation, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Body = string(body)
	return &r, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func methodColumn(method string) string {
	switch strings.ToUpper(method) {
	case "GET":
		return "get_count"
	case "POST":
		return "post_count"
	case "PUT":
		return "put_count"
	case "PATCH":
		return "patch_count"
	case "DELETE":
		return "delete_count"
	default:
		return "other_count"
	}
}

func contentTypeColumn(contentType string) string {
	ct := strings.ToLower(contentType)
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.TrimSpace(ct)
	switch {
	case strings.Contains(ct, "json"):
		return "json_count"
	case ct == "application/x-www-form-urlencoded" || strings.HasPrefix(ct, "multipart/"):
		return "form_count"
	case strings.Contains(ct, "xml"):
		return "xml_count"
	case strings.HasPrefix(ct, "text/"):
		return "text_count"
	default:
		return "other_type_count"
	}
}
