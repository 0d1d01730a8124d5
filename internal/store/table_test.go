package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/telemyapp/emulab-control-plane/internal/model"
)

func TestRepositoryGetByID_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("select body")).
		WithArgs("session", "ses_missing").
		WillReturnRows(pgxmock.NewRows([]string{"body"}))

	repo := NewRepository(NewTable(mock), SessionKind)
	if _, err := repo.GetByID(context.Background(), "ses_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRepositoryGetByID_DecodesBody(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	body := []byte(`{"id":"ses_1","catalog_image_id":"img-2019","state":"active","tls_bound":true,"bound_address":"ses_1.sessions.emulab.dev","instance":{"id":"i-abc","type":"c5.large","lifecycle_state":"running"}}`)
	mock.ExpectQuery(regexp.QuoteMeta("select body")).
		WithArgs("session", "ses_1").
		WillReturnRows(pgxmock.NewRows([]string{"body"}).AddRow(body))

	repo := NewRepository(NewTable(mock), SessionKind)
	got, err := repo.GetByID(context.Background(), "ses_1")
	if err != nil {
		t.Fatalf("GetByID returned err: %v", err)
	}
	if got.State != model.SessionActive || got.InstanceID() != "i-abc" || !got.TLSBound {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestRepositoryPut_StoresIndexKeys(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	rec := model.Recording{ID: "rec_1_0", SessionID: "ses_1", ApplicationID: "app_1", StoragePath: "recordings/ses_1/rec_1_0.mp4"}
	mock.ExpectExec(regexp.QuoteMeta("insert into entities")).
		WithArgs("recording", "rec_1_0", pgxmock.AnyArg(), `{"application_id":"app_1","session_id":"ses_1"}`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	repo := NewRepository(NewTable(mock), RecordingKind)
	if err := repo.Put(context.Background(), rec); err != nil {
		t.Fatalf("Put returned err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTableUpdateFields_MissingRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("update entities")).
		WithArgs("session", "ses_9", `{"state":"terminated"}`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = NewTable(mock).UpdateFields(context.Background(), "session", "ses_9", Fields{"state": "terminated"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTableUpdateFieldsIf(t *testing.T) {
	tests := []struct {
		name        string
		affected    int64
		exists      bool
		wantApplied bool
		wantErr     error
	}{
		{name: "applied", affected: 1, wantApplied: true},
		{name: "guard failed", affected: 0, exists: true},
		{name: "missing row", affected: 0, exists: false, wantErr: ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			if err != nil {
				t.Fatalf("pgxmock pool: %v", err)
			}
			defer mock.Close()

			mock.ExpectExec(regexp.QuoteMeta("and body @> $4::jsonb")).
				WithArgs("session_liveness", "ses_1", `{"termination_scheduled":true}`, `{"termination_scheduled":false}`).
				WillReturnResult(pgxmock.NewResult("UPDATE", tt.affected))
			if tt.affected == 0 {
				mock.ExpectQuery(regexp.QuoteMeta("select exists")).
					WithArgs("session_liveness", "ses_1").
					WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(tt.exists))
			}

			applied, err := NewTable(mock).UpdateFieldsIf(context.Background(), "session_liveness", "ses_1",
				Fields{"termination_scheduled": true}, Fields{"termination_scheduled": false})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err=%v want %v", err, tt.wantErr)
			}
			if applied != tt.wantApplied {
				t.Fatalf("applied=%v want %v", applied, tt.wantApplied)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}

func TestTableScan_BuildsFilterAndCursor(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	cutoff := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`and body @> $2::jsonb
  and (body->>$3)::timestamptz < $4
  and id > $5
order by id asc
limit $6`)).
		WithArgs("session_liveness", `{"instance_responding":true}`, "last_accessed_at", cutoff, "ses_1", 2).
		WillReturnRows(pgxmock.NewRows([]string{"id", "body"}).
			AddRow("ses_2", []byte(`{"session_id":"ses_2"}`)).
			AddRow("ses_3", []byte(`{"session_id":"ses_3"}`)))

	recs, next, err := NewTable(mock).Scan(context.Background(), "session_liveness",
		Filter{
			Equals: map[string]any{"instance_responding": true},
			Before: map[string]time.Time{"last_accessed_at": cutoff},
		},
		Page{After: "ses_1", Limit: 2})
	if err != nil {
		t.Fatalf("Scan returned err: %v", err)
	}
	if len(recs) != 2 || next != "ses_3" {
		t.Fatalf("unexpected page: %d records, next=%q", len(recs), next)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRepositoryQueryByIndex_UnknownIndex(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	repo := NewRepository(NewTable(mock), CatalogImageKind)
	if _, err := repo.QueryByIndex(context.Background(), IndexSessionID, "ses_1"); err == nil {
		t.Fatal("expected error for unknown index")
	}
}

func TestEnsureSchema(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("create table if not exists entities")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	if err := EnsureSchema(context.Background(), mock); err != nil {
		t.Fatalf("EnsureSchema returned err: %v", err)
	}
}
