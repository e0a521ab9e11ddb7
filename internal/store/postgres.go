package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/zedarvates/storycore/internal/reference"
)

// Postgres implements Store on top of a postgres database. Records are stored as
// JSONB payloads with extracted key columns; versions are bumped inside the upsert
// so concurrent writers of the same entity serialize on the row.
type Postgres struct {
	DB *sql.DB

	listenerMu sync.RWMutex
	listeners  []ChangeListener
}

// NewPostgres opens a connection pool for the given DSN and pings it.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres: %v", ErrStore, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping postgres: %v", ErrStore, err)
	}
	return &Postgres{DB: db}, nil
}

// OnChange registers a listener invoked after every successful Put.
func (p *Postgres) OnChange(fn ChangeListener) {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *Postgres) notify(c Change) {
	p.listenerMu.RLock()
	fns := make([]ChangeListener, len(p.listeners))
	copy(fns, p.listeners)
	p.listenerMu.RUnlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[STORE] change listener panic: %v", r)
				}
			}()
			fn(c)
		}()
	}
}

func (p *Postgres) GetMaster(ctx context.Context, projectID string) (*reference.MasterReferenceSheet, error) {
	row := p.DB.QueryRowContext(ctx, `
SELECT payload, version, created_at, updated_at FROM master_sheets WHERE project_id=$1
`, projectID)
	sheet := &reference.MasterReferenceSheet{}
	if err := scanSheet(row, sheet, &sheet.Version, &sheet.CreatedAt, &sheet.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("master sheet for project %s: %w", projectID, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: get master: %v", ErrStore, err)
	}
	return sheet, nil
}

func (p *Postgres) GetMasterSheet(ctx context.Context, sheetID string) (*reference.MasterReferenceSheet, error) {
	row := p.DB.QueryRowContext(ctx, `
SELECT payload, version, created_at, updated_at FROM master_sheets WHERE id=$1
`, sheetID)
	sheet := &reference.MasterReferenceSheet{}
	if err := scanSheet(row, sheet, &sheet.Version, &sheet.CreatedAt, &sheet.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("master sheet %s: %w", sheetID, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: get master sheet: %v", ErrStore, err)
	}
	return sheet, nil
}

func (p *Postgres) PutMaster(ctx context.Context, sheet *reference.MasterReferenceSheet) error {
	if sheet.ID == "" {
		sheet.ID = uuid.NewString()
	}
	payload, err := json.Marshal(sheet)
	if err != nil {
		return fmt.Errorf("%w: marshal master: %v", ErrStore, err)
	}
	row := p.DB.QueryRowContext(ctx, `
INSERT INTO master_sheets (id, project_id, payload, fingerprint)
VALUES ($1,$2,$3,$4)
ON CONFLICT (project_id) DO UPDATE SET
  payload = EXCLUDED.payload,
  fingerprint = EXCLUDED.fingerprint,
  version = master_sheets.version + 1,
  updated_at = now()
RETURNING id, version, created_at, updated_at
`, sheet.ID, sheet.ProjectID, payload, sheet.Fingerprint())
	if err := row.Scan(&sheet.ID, &sheet.Version, &sheet.CreatedAt, &sheet.UpdatedAt); err != nil {
		return fmt.Errorf("%w: put master: %v", ErrStore, err)
	}
	p.notify(Change{EntityID: sheet.ProjectID, EntityType: reference.EntityMaster})
	return nil
}

func (p *Postgres) DeleteMaster(ctx context.Context, projectID string) error {
	res, err := p.DB.ExecContext(ctx, `DELETE FROM master_sheets WHERE project_id=$1`, projectID)
	if err != nil {
		return fmt.Errorf("%w: delete master: %v", ErrStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("master sheet for project %s: %w", projectID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) GetSequence(ctx context.Context, sequenceID string) (*reference.SequenceReferenceSheet, error) {
	row := p.DB.QueryRowContext(ctx, `
SELECT payload, version, created_at, updated_at FROM sequence_sheets WHERE sequence_id=$1
`, sequenceID)
	sheet := &reference.SequenceReferenceSheet{}
	if err := scanSheet(row, sheet, &sheet.Version, &sheet.CreatedAt, &sheet.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sequence sheet for sequence %s: %w", sequenceID, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: get sequence: %v", ErrStore, err)
	}
	return sheet, nil
}

func (p *Postgres) GetSequenceSheet(ctx context.Context, sheetID string) (*reference.SequenceReferenceSheet, error) {
	row := p.DB.QueryRowContext(ctx, `
SELECT payload, version, created_at, updated_at FROM sequence_sheets WHERE id=$1
`, sheetID)
	sheet := &reference.SequenceReferenceSheet{}
	if err := scanSheet(row, sheet, &sheet.Version, &sheet.CreatedAt, &sheet.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sequence sheet %s: %w", sheetID, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: get sequence sheet: %v", ErrStore, err)
	}
	return sheet, nil
}

func (p *Postgres) PutSequence(ctx context.Context, sheet *reference.SequenceReferenceSheet) error {
	if sheet.ID == "" {
		sheet.ID = uuid.NewString()
	}
	var exists bool
	if err := p.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM master_sheets WHERE id=$1)`, sheet.MasterSheetID).Scan(&exists); err != nil {
		return fmt.Errorf("%w: check master: %v", ErrStore, err)
	}
	if !exists {
		return fmt.Errorf("master sheet %s: %w", sheet.MasterSheetID, ErrNotFound)
	}
	payload, err := json.Marshal(sheet)
	if err != nil {
		return fmt.Errorf("%w: marshal sequence: %v", ErrStore, err)
	}
	row := p.DB.QueryRowContext(ctx, `
INSERT INTO sequence_sheets (id, sequence_id, master_sheet_id, payload, fingerprint)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (sequence_id) DO UPDATE SET
  master_sheet_id = EXCLUDED.master_sheet_id,
  payload = EXCLUDED.payload,
  fingerprint = EXCLUDED.fingerprint,
  version = sequence_sheets.version + 1,
  updated_at = now()
RETURNING id, version, created_at, updated_at
`, sheet.ID, sheet.SequenceID, sheet.MasterSheetID, payload, sheet.Fingerprint())
	if err := row.Scan(&sheet.ID, &sheet.Version, &sheet.CreatedAt, &sheet.UpdatedAt); err != nil {
		return fmt.Errorf("%w: put sequence: %v", ErrStore, err)
	}
	p.notify(Change{EntityID: sheet.SequenceID, EntityType: reference.EntitySequence})
	return nil
}

func (p *Postgres) DeleteSequence(ctx context.Context, sequenceID string) error {
	res, err := p.DB.ExecContext(ctx, `DELETE FROM sequence_sheets WHERE sequence_id=$1`, sequenceID)
	if err != nil {
		return fmt.Errorf("%w: delete sequence: %v", ErrStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sequence sheet for sequence %s: %w", sequenceID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) GetShot(ctx context.Context, shotID string) (*reference.ShotReference, error) {
	row := p.DB.QueryRowContext(ctx, `
SELECT payload, version, created_at, updated_at FROM shot_sheets WHERE shot_id=$1
`, shotID)
	shot := &reference.ShotReference{}
	if err := scanSheet(row, shot, &shot.Version, &shot.CreatedAt, &shot.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("shot reference for shot %s: %w", shotID, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: get shot: %v", ErrStore, err)
	}
	return shot, nil
}

func (p *Postgres) PutShot(ctx context.Context, shot *reference.ShotReference) error {
	if shot.ID == "" {
		shot.ID = uuid.NewString()
	}
	var exists bool
	if err := p.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sequence_sheets WHERE id=$1)`, shot.SequenceSheetID).Scan(&exists); err != nil {
		return fmt.Errorf("%w: check sequence: %v", ErrStore, err)
	}
	if !exists {
		return fmt.Errorf("sequence sheet %s: %w", shot.SequenceSheetID, ErrNotFound)
	}
	payload, err := json.Marshal(shot)
	if err != nil {
		return fmt.Errorf("%w: marshal shot: %v", ErrStore, err)
	}
	row := p.DB.QueryRowContext(ctx, `
INSERT INTO shot_sheets (id, shot_id, sequence_sheet_id, shot_order, payload, fingerprint)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (shot_id) DO UPDATE SET
  sequence_sheet_id = EXCLUDED.sequence_sheet_id,
  shot_order = EXCLUDED.shot_order,
  payload = EXCLUDED.payload,
  fingerprint = EXCLUDED.fingerprint,
  version = shot_sheets.version + 1,
  updated_at = now()
RETURNING id, version, created_at, updated_at
`, shot.ID, shot.ShotID, shot.SequenceSheetID, shot.Order, payload, shot.Fingerprint())
	if err := row.Scan(&shot.ID, &shot.Version, &shot.CreatedAt, &shot.UpdatedAt); err != nil {
		return fmt.Errorf("%w: put shot: %v", ErrStore, err)
	}
	p.notify(Change{EntityID: shot.ShotID, EntityType: reference.EntityShot})
	return nil
}

func (p *Postgres) DeleteShot(ctx context.Context, shotID string) error {
	res, err := p.DB.ExecContext(ctx, `DELETE FROM shot_sheets WHERE shot_id=$1`, shotID)
	if err != nil {
		return fmt.Errorf("%w: delete shot: %v", ErrStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("shot reference for shot %s: %w", shotID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) ListShots(ctx context.Context, sequenceSheetID string) ([]reference.ShotReference, error) {
	rows, err := p.DB.QueryContext(ctx, `
SELECT payload, version, created_at, updated_at FROM shot_sheets WHERE sequence_sheet_id=$1 ORDER BY shot_order ASC
`, sequenceSheetID)
	if err != nil {
		return nil, fmt.Errorf("%w: list shots: %v", ErrStore, err)
	}
	defer rows.Close()
	var out []reference.ShotReference
	for rows.Next() {
		var shot reference.ShotReference
		var payload []byte
		if err := rows.Scan(&payload, &shot.Version, &shot.CreatedAt, &shot.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan shot: %v", ErrStore, err)
		}
		version, createdAt, updatedAt := shot.Version, shot.CreatedAt, shot.UpdatedAt
		if err := json.Unmarshal(payload, &shot); err != nil {
			return nil, fmt.Errorf("%w: decode shot: %v", ErrStore, err)
		}
		shot.Version, shot.CreatedAt, shot.UpdatedAt = version, createdAt, updatedAt
		out = append(out, shot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list shots: %v", ErrStore, err)
	}
	return out, nil
}

func (p *Postgres) InsertIssues(ctx context.Context, issues []reference.ConsistencyIssue) error {
	if len(issues) == 0 {
		return nil
	}
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin insert issues: %v", ErrStore, err)
	}
	defer func() { _ = tx.Rollback() }()
	for i := range issues {
		iss := issues[i]
		payload, err := json.Marshal(iss)
		if err != nil {
			return fmt.Errorf("%w: marshal issue: %v", ErrStore, err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO consistency_issues (id, shot_id, issue_type, severity, payload, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, iss.ID, iss.ShotID, string(iss.Type), string(iss.Severity), payload, iss.CreatedAt); err != nil {
			return fmt.Errorf("%w: insert issue: %v", ErrStore, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit insert issues: %v", ErrStore, err)
	}
	return nil
}

func (p *Postgres) GetIssue(ctx context.Context, id string) (*reference.ConsistencyIssue, error) {
	row := p.DB.QueryRowContext(ctx, `
SELECT payload, resolved_at, resolution FROM consistency_issues WHERE id=$1
`, id)
	var payload []byte
	var resolvedAt sql.NullTime
	var resolution sql.NullString
	if err := row.Scan(&payload, &resolvedAt, &resolution); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("issue %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: get issue: %v", ErrStore, err)
	}
	iss := &reference.ConsistencyIssue{}
	if err := json.Unmarshal(payload, iss); err != nil {
		return nil, fmt.Errorf("%w: decode issue: %v", ErrStore, err)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		iss.ResolvedAt = &t
		iss.Resolution = reference.ResolutionStrategy(resolution.String)
	}
	return iss, nil
}

func (p *Postgres) MarkResolved(ctx context.Context, id string, strategy reference.ResolutionStrategy, at time.Time) (bool, error) {
	res, err := p.DB.ExecContext(ctx, `
UPDATE consistency_issues SET resolved_at=$2, resolution=$3 WHERE id=$1 AND resolved_at IS NULL
`, id, at.UTC(), string(strategy))
	if err != nil {
		return false, fmt.Errorf("%w: resolve issue: %v", ErrStore, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *Postgres) ListIssues(ctx context.Context, shotID string, activeOnly bool) ([]reference.ConsistencyIssue, error) {
	query := `SELECT payload, resolved_at, resolution FROM consistency_issues`
	var args []interface{}
	var where []string
	if shotID != "" {
		args = append(args, shotID)
		where = append(where, fmt.Sprintf("shot_id=$%d", len(args)))
	}
	if activeOnly {
		where = append(where, "resolved_at IS NULL")
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	query += " ORDER BY created_at ASC"
	rows, err := p.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list issues: %v", ErrStore, err)
	}
	defer rows.Close()
	var out []reference.ConsistencyIssue
	for rows.Next() {
		var payload []byte
		var resolvedAt sql.NullTime
		var resolution sql.NullString
		if err := rows.Scan(&payload, &resolvedAt, &resolution); err != nil {
			return nil, fmt.Errorf("%w: scan issue: %v", ErrStore, err)
		}
		var iss reference.ConsistencyIssue
		if err := json.Unmarshal(payload, &iss); err != nil {
			return nil, fmt.Errorf("%w: decode issue: %v", ErrStore, err)
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			iss.ResolvedAt = &t
			iss.Resolution = reference.ResolutionStrategy(resolution.String)
		}
		out = append(out, iss)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list issues: %v", ErrStore, err)
	}
	return out, nil
}

func (p *Postgres) GetLinkedEpisode(ctx context.Context, projectID, episodeID string) (*reference.LinkedEpisode, error) {
	row := p.DB.QueryRowContext(ctx, `
SELECT payload FROM linked_episodes WHERE project_id=$1 AND episode_id=$2
`, projectID, episodeID)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("linked episode %s: %w", episodeID, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: get linked episode: %v", ErrStore, err)
	}
	ep := &reference.LinkedEpisode{}
	if err := json.Unmarshal(payload, ep); err != nil {
		return nil, fmt.Errorf("%w: decode linked episode: %v", ErrStore, err)
	}
	return ep, nil
}

func (p *Postgres) PutLinkedEpisode(ctx context.Context, ep *reference.LinkedEpisode) error {
	payload, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("%w: marshal linked episode: %v", ErrStore, err)
	}
	if _, err := p.DB.ExecContext(ctx, `
INSERT INTO linked_episodes (project_id, episode_id, payload)
VALUES ($1,$2,$3)
ON CONFLICT (project_id, episode_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()
`, ep.ProjectID, ep.EpisodeID, payload); err != nil {
		return fmt.Errorf("%w: put linked episode: %v", ErrStore, err)
	}
	return nil
}

func (p *Postgres) ListLinkedEpisodes(ctx context.Context, projectID string) ([]reference.LinkedEpisode, error) {
	rows, err := p.DB.QueryContext(ctx, `
SELECT payload FROM linked_episodes WHERE project_id=$1 ORDER BY episode_id ASC
`, projectID)
	if err != nil {
		return nil, fmt.Errorf("%w: list linked episodes: %v", ErrStore, err)
	}
	defer rows.Close()
	var out []reference.LinkedEpisode
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("%w: scan linked episode: %v", ErrStore, err)
		}
		var ep reference.LinkedEpisode
		if err := json.Unmarshal(payload, &ep); err != nil {
			return nil, fmt.Errorf("%w: decode linked episode: %v", ErrStore, err)
		}
		out = append(out, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list linked episodes: %v", ErrStore, err)
	}
	return out, nil
}

func (p *Postgres) CreateUser(ctx context.Context, email, passwordHash string) error {
	if _, err := p.DB.ExecContext(ctx, `
INSERT INTO users (id, email, password_hash) VALUES ($1,$2,$3)
`, uuid.NewString(), email, passwordHash); err != nil {
		return fmt.Errorf("%w: create user: %v", ErrConflict, err)
	}
	return nil
}

func (p *Postgres) GetUserByEmail(ctx context.Context, email string) (string, string, error) {
	var id, hash string
	err := p.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", fmt.Errorf("user %s: %w", email, ErrNotFound)
		}
		return "", "", fmt.Errorf("%w: get user: %v", ErrStore, err)
	}
	return id, hash, nil
}

// scanSheet decodes a payload row into dst, then restores the authoritative
// version and timestamp columns over whatever the payload carried.
func scanSheet(row *sql.Row, dst interface{}, version *int64, createdAt, updatedAt *time.Time) error {
	var payload []byte
	if err := row.Scan(&payload, version, createdAt, updatedAt); err != nil {
		return err
	}
	v, c, u := *version, *createdAt, *updatedAt
	if err := json.Unmarshal(payload, dst); err != nil {
		return err
	}
	*version, *createdAt, *updatedAt = v, c, u
	return nil
}
