package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/telemyapp/emulab-control-plane/internal/model"
)

func seedRecordings(t *testing.T, h *harness, appID string, n int, size int64) {
	t.Helper()
	for i := 0; i < n; i++ {
		s := size
		rec := model.Recording{
			ID:            fmt.Sprintf("%s-rec-%d", appID, i),
			SessionID:     "s1",
			ApplicationID: appID,
			StoragePath:   fmt.Sprintf("recordings/s1/%s-rec-%d.mp4", appID, i),
			SizeBytes:     &s,
		}
		if err := h.coll.Recordings.Put(context.Background(), rec); err != nil {
			t.Fatalf("Put recording returned err: %v", err)
		}
	}
}

func seedApp(t *testing.T, h *harness, id, imageID string) {
	t.Helper()
	app := model.Application{ID: id, Name: id, PackageName: "com.example." + id, CatalogImageID: imageID}
	if err := h.coll.Applications.Put(context.Background(), app); err != nil {
		t.Fatalf("Put application returned err: %v", err)
	}
}

func TestRecommendedCatalogImage_PicksFewestRecordings(t *testing.T) {
	h := newHarness(t)
	counts := map[string]int{"img-a": 5, "img-b": 0, "img-c": 3}
	for _, id := range []string{"img-a", "img-b", "img-c"} {
		h.putImage(t, id)
		seedApp(t, h, "app-"+id, id)
		seedRecordings(t, h, "app-"+id, counts[id], 100)
	}

	img, err := h.svc.RecommendedCatalogImage(context.Background())
	if err != nil {
		t.Fatalf("RecommendedCatalogImage returned err: %v", err)
	}
	if img.ID != "img-b" {
		t.Fatalf("expected img-b, got %s", img.ID)
	}
}

func TestRecommendedCatalogImage_EmptyCatalog(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.RecommendedCatalogImage(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecommendedApplicationFor(t *testing.T) {
	h := newHarness(t)
	h.putImage(t, "img-a")
	h.putImage(t, "img-b")
	seedApp(t, h, "app-1", "img-a")
	seedApp(t, h, "app-2", "img-a")
	seedApp(t, h, "app-3", "img-b")
	seedRecordings(t, h, "app-1", 2, 10)
	seedRecordings(t, h, "app-2", 1, 10)

	app, err := h.svc.RecommendedApplicationFor(context.Background(), "img-a")
	if err != nil {
		t.Fatalf("RecommendedApplicationFor returned err: %v", err)
	}
	if app.ID != "app-2" {
		t.Fatalf("expected app-2, got %s", app.ID)
	}
	if _, err := h.svc.RecommendedApplicationFor(context.Background(), "img-none"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateApplication_Validation(t *testing.T) {
	h := newHarness(t)
	h.putImage(t, "img-a")
	tests := []struct {
		name    string
		app     model.Application
		wantErr error
	}{
		{name: "ok", app: model.Application{Name: "Game", PackageName: "com.example.game", CatalogImageID: "img-a"}},
		{name: "missing package", app: model.Application{Name: "Game", CatalogImageID: "img-a"}, wantErr: ErrInvalid},
		{name: "unknown image", app: model.Application{Name: "Game", PackageName: "com.example.game", CatalogImageID: "img-x"}, wantErr: ErrInvalid},
		{name: "bad orientation", app: model.Application{Name: "Game", PackageName: "p", CatalogImageID: "img-a", Orientation: "diagonal"}, wantErr: ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.svc.CreateApplication(context.Background(), tt.app)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateApplication returned err: %v", err)
			}
			if got.ID == "" || got.Orientation != model.OrientationVertical || !got.CreatedAt.Equal(h.now) {
				t.Fatalf("unexpected application: %+v", got)
			}
		})
	}
}

func TestCreateCatalogImage_Validation(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.CreateCatalogImage(context.Background(), model.CatalogImage{ImageID: "ami-1"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	img, err := h.svc.CreateCatalogImage(context.Background(), model.CatalogImage{ImageID: " ami-1 ", InstanceType: "c5.xlarge"})
	if err != nil {
		t.Fatalf("CreateCatalogImage returned err: %v", err)
	}
	got, err := h.svc.GetCatalogImage(context.Background(), img.ID)
	if err != nil || got.ImageID != "ami-1" {
		t.Fatalf("unexpected image %+v err=%v", got, err)
	}
}

func TestRecordingDownloadURL(t *testing.T) {
	h := newHarness(t)
	seedRecordings(t, h, "app-1", 1, 42)
	pending := model.Recording{ID: "pending", SessionID: "s1", ApplicationID: "app-1", StoragePath: "recordings/s1/pending.mp4"}
	if err := h.coll.Recordings.Put(context.Background(), pending); err != nil {
		t.Fatalf("Put returned err: %v", err)
	}

	key := "recordings/s1/app-1-rec-0.mp4"
	if err := h.blob.PutObject(context.Background(), "recordings", key, strings.NewReader("mp4"), 3); err != nil {
		t.Fatalf("PutObject returned err: %v", err)
	}

	url, err := h.svc.RecordingDownloadURL(context.Background(), "app-1-rec-0")
	if err != nil {
		t.Fatalf("RecordingDownloadURL returned err: %v", err)
	}
	if !strings.HasPrefix(url, "memory://recordings/") || !strings.Contains(url, "app-1-rec-0.mp4") {
		t.Fatalf("unexpected url %q", url)
	}
	if _, err := h.svc.RecordingDownloadURL(context.Background(), "pending"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unfinished upload, got %v", err)
	}
	if _, err := h.svc.RecordingDownloadURL(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListRecordings_ByIndex(t *testing.T) {
	h := newHarness(t)
	seedRecordings(t, h, "app-1", 2, 1)
	seedRecordings(t, h, "app-2", 1, 1)
	ctx := context.Background()

	byApp, err := h.svc.ListRecordings(ctx, RecordingQuery{ApplicationID: "app-1"})
	if err != nil || len(byApp) != 2 {
		t.Fatalf("expected 2 recordings for app-1, got %d err=%v", len(byApp), err)
	}
	bySession, err := h.svc.ListRecordings(ctx, RecordingQuery{SessionID: "s1"})
	if err != nil || len(bySession) != 3 {
		t.Fatalf("expected 3 recordings for s1, got %d err=%v", len(bySession), err)
	}
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	h.putImage(t, "img-a")
	h.putImage(t, "img-b")
	seedApp(t, h, "app-1", "img-a")
	seedApp(t, h, "app-2", "img-b")
	seedRecordings(t, h, "app-1", 2, 100)
	seedRecordings(t, h, "app-2", 1, 50)
	ended := h.now
	h.putSession(t, model.Session{ID: "live", State: model.SessionActive}, model.SessionLiveness{})
	h.putSession(t, model.Session{ID: "gone", State: model.SessionTerminated, EndedAt: &ended}, model.SessionLiveness{})

	stats, err := h.svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats returned err: %v", err)
	}
	if stats.Sessions != 2 || stats.ActiveSessions != 1 || stats.CatalogImages != 2 || stats.Applications != 2 || stats.Recordings != 3 {
		t.Fatalf("unexpected totals: %+v", stats)
	}
	if stats.RecordingBytes != 250 {
		t.Fatalf("expected 250 bytes, got %d", stats.RecordingBytes)
	}
	if stats.ByApplication[0].ID != "app-1" || stats.ByApplication[0].Recordings != 2 || stats.ByApplication[0].Bytes != 200 {
		t.Fatalf("unexpected per-application usage: %+v", stats.ByApplication)
	}
	if stats.ByCatalogImage[1].ID != "img-b" || stats.ByCatalogImage[1].Recordings != 1 {
		t.Fatalf("unexpected per-image usage: %+v", stats.ByCatalogImage)
	}
}
