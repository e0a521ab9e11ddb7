package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/zedarvates/storycore/internal/reference"
)

func TestPutMasterUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Postgres{DB: db}
	sheet := &reference.MasterReferenceSheet{
		ID:        "sheet-1",
		ProjectID: "proj-1",
		Style:     reference.GlobalStyleSheet{ArtStyle: "watercolor"},
	}

	query := regexp.QuoteMeta(`
INSERT INTO master_sheets (id, project_id, payload, fingerprint)
VALUES ($1,$2,$3,$4)
ON CONFLICT (project_id) DO UPDATE SET
  payload = EXCLUDED.payload,
  fingerprint = EXCLUDED.fingerprint,
  version = master_sheets.version + 1,
  updated_at = now()
RETURNING id, version, created_at, updated_at
`)
	now := time.Now()
	mock.ExpectQuery(query).
		WithArgs("sheet-1", "proj-1", sqlmock.AnyArg(), sheet.Fingerprint()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "version", "created_at", "updated_at"}).
			AddRow("sheet-1", int64(3), now, now))

	var notified []Change
	st.OnChange(func(c Change) { notified = append(notified, c) })

	if err := st.PutMaster(context.Background(), sheet); err != nil {
		t.Fatalf("PutMaster: %v", err)
	}
	if sheet.Version != 3 {
		t.Fatalf("version must come from the upsert, got %d", sheet.Version)
	}
	if len(notified) != 1 || notified[0].EntityID != "proj-1" || notified[0].EntityType != reference.EntityMaster {
		t.Fatalf("unexpected change notification: %+v", notified)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetMasterRestoresRowColumns(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Postgres{DB: db}
	stored := reference.MasterReferenceSheet{ID: "sheet-1", ProjectID: "proj-1", Version: 1}
	payload, _ := json.Marshal(stored)
	now := time.Now().UTC()

	query := regexp.QuoteMeta(`
SELECT payload, version, created_at, updated_at FROM master_sheets WHERE project_id=$1
`)
	mock.ExpectQuery(query).WithArgs("proj-1").
		WillReturnRows(sqlmock.NewRows([]string{"payload", "version", "created_at", "updated_at"}).
			AddRow(payload, int64(5), now, now))

	got, err := st.GetMaster(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("GetMaster: %v", err)
	}
	// Row columns are authoritative over whatever the payload carried.
	if got.Version != 5 {
		t.Fatalf("row version must win over payload, got %d", got.Version)
	}
	if !got.UpdatedAt.Equal(now) {
		t.Fatalf("row timestamp must win, got %v", got.UpdatedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetMasterNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Postgres{DB: db}
	query := regexp.QuoteMeta(`
SELECT payload, version, created_at, updated_at FROM master_sheets WHERE project_id=$1
`)
	mock.ExpectQuery(query).WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"payload", "version", "created_at", "updated_at"}))

	if _, err := st.GetMaster(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing project must be ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPutSequenceRejectsMissingMaster(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Postgres{DB: db}
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM master_sheets WHERE id=$1)`)).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	seq := &reference.SequenceReferenceSheet{ID: "ss-1", SequenceID: "seq-1", MasterSheetID: "ghost"}
	if err := st.PutSequence(context.Background(), seq); !errors.Is(err, ErrNotFound) {
		t.Fatalf("dangling master reference must fail with ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertIssuesTransactional(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Postgres{DB: db}
	issues := []reference.ConsistencyIssue{
		reference.NewIssue(reference.IssueCharacter, reference.SeverityHigh, "shot-1", "hero off-model", []string{"hero"}, "regenerate"),
		reference.NewIssue(reference.IssueStyle, reference.SeverityMedium, "shot-1", "palette drift", []string{"style"}, "adjust prompt"),
	}

	insert := regexp.QuoteMeta(`
INSERT INTO consistency_issues (id, shot_id, issue_type, severity, payload, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`)
	mock.ExpectBegin()
	for _, iss := range issues {
		mock.ExpectExec(insert).
			WithArgs(iss.ID, iss.ShotID, string(iss.Type), string(iss.Severity), sqlmock.AnyArg(), iss.CreatedAt).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	if err := st.InsertIssues(context.Background(), issues); err != nil {
		t.Fatalf("InsertIssues: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkResolvedIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Postgres{DB: db}
	update := regexp.QuoteMeta(`
UPDATE consistency_issues SET resolved_at=$2, resolution=$3 WHERE id=$1 AND resolved_at IS NULL
`)
	at := time.Now()
	mock.ExpectExec(update).
		WithArgs("iss-1", at.UTC(), "manual_review").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(update).
		WithArgs("iss-1", at.UTC(), "ignore").
		WillReturnResult(sqlmock.NewResult(0, 0))

	done, err := st.MarkResolved(context.Background(), "iss-1", reference.ResolveManualReview, at)
	if err != nil || !done {
		t.Fatalf("first resolve: done=%v err=%v", done, err)
	}
	done, err = st.MarkResolved(context.Background(), "iss-1", reference.ResolveIgnore, at)
	if err != nil || done {
		t.Fatalf("second resolve must be a no-op: done=%v err=%v", done, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListIssuesActiveOnlyQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Postgres{DB: db}
	iss := reference.NewIssue(reference.IssueLocation, reference.SeverityMedium, "shot-1", "castle drift", []string{"castle"}, "")
	payload, _ := json.Marshal(iss)

	query := regexp.QuoteMeta(`SELECT payload, resolved_at, resolution FROM consistency_issues WHERE shot_id=$1 AND resolved_at IS NULL ORDER BY created_at ASC`)
	mock.ExpectQuery(query).WithArgs("shot-1").
		WillReturnRows(sqlmock.NewRows([]string{"payload", "resolved_at", "resolution"}).
			AddRow(payload, nil, nil))

	out, err := st.ListIssues(context.Background(), "shot-1", true)
	if err != nil {
		t.Fatalf("ListIssues: %v", err)
	}
	if len(out) != 1 || out[0].ID != iss.ID || out[0].Resolved() {
		t.Fatalf("unexpected issues: %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPutLinkedEpisodeUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Postgres{DB: db}
	ep := &reference.LinkedEpisode{EpisodeID: "ep-1", ProjectID: "proj-1", Sequences: []string{"seq-1"}}

	query := regexp.QuoteMeta(`
INSERT INTO linked_episodes (project_id, episode_id, payload)
VALUES ($1,$2,$3)
ON CONFLICT (project_id, episode_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()
`)
	mock.ExpectExec(query).
		WithArgs("proj-1", "ep-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.PutLinkedEpisode(context.Background(), ep); err != nil {
		t.Fatalf("PutLinkedEpisode: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
