package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/telemyapp/emulab-control-plane/internal/model"
	"github.com/telemyapp/emulab-control-plane/internal/store"
)

func (s *Service) CreateCatalogImage(ctx context.Context, img model.CatalogImage) (model.CatalogImage, error) {
	img.ImageID = strings.TrimSpace(img.ImageID)
	img.InstanceType = strings.TrimSpace(img.InstanceType)
	if img.ImageID == "" || img.InstanceType == "" {
		return model.CatalogImage{}, fmt.Errorf("%w: image_id and instance_type are required", ErrInvalid)
	}
	if img.DiskSizeGB < 0 {
		return model.CatalogImage{}, fmt.Errorf("%w: disk_size_gb must not be negative", ErrInvalid)
	}
	if img.ID == "" {
		img.ID = model.NewID()
	}
	img.CreatedAt = s.now()
	if err := s.images.Put(ctx, img); err != nil {
		return model.CatalogImage{}, err
	}
	s.log.WithField("catalog_image_id", img.ID).Info("event=catalog_image_created")
	return img, nil
}

func (s *Service) ListCatalogImages(ctx context.Context) ([]model.CatalogImage, error) {
	return s.images.GetAll(ctx)
}

func (s *Service) GetCatalogImage(ctx context.Context, id string) (model.CatalogImage, error) {
	img, err := s.images.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return img, fmt.Errorf("%w: catalog image %s", ErrNotFound, id)
	}
	return img, err
}

func (s *Service) CreateApplication(ctx context.Context, app model.Application) (model.Application, error) {
	app.PackageName = strings.TrimSpace(app.PackageName)
	if app.Name == "" || app.PackageName == "" || app.CatalogImageID == "" {
		return model.Application{}, fmt.Errorf("%w: name, package_name and catalog_image_id are required", ErrInvalid)
	}
	switch app.Orientation {
	case "":
		app.Orientation = model.OrientationVertical
	case model.OrientationVertical, model.OrientationHorizontal:
	default:
		return model.Application{}, fmt.Errorf("%w: orientation must be vertical or horizontal", ErrInvalid)
	}
	if _, err := s.images.GetByID(ctx, app.CatalogImageID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Application{}, fmt.Errorf("%w: catalog image %s does not exist", ErrInvalid, app.CatalogImageID)
		}
		return model.Application{}, err
	}
	if app.ID == "" {
		app.ID = model.NewID()
	}
	app.CreatedAt = s.now()
	if err := s.applications.Put(ctx, app); err != nil {
		return model.Application{}, err
	}
	s.log.WithField("application_id", app.ID).Info("event=application_created")
	return app, nil
}

// ListApplications returns every application, or only those targeting
// catalogImageID when it is set.
func (s *Service) ListApplications(ctx context.Context, catalogImageID string) ([]model.Application, error) {
	if catalogImageID == "" {
		return s.applications.GetAll(ctx)
	}
	return s.applications.QueryByIndex(ctx, store.IndexCatalogImageID, catalogImageID)
}

func (s *Service) GetApplication(ctx context.Context, id string) (model.Application, error) {
	app, err := s.applications.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return app, fmt.Errorf("%w: application %s", ErrNotFound, id)
	}
	return app, err
}

type RecordingQuery struct {
	SessionID     string
	ApplicationID string
}

func (s *Service) ListRecordings(ctx context.Context, q RecordingQuery) ([]model.Recording, error) {
	switch {
	case q.SessionID != "":
		return s.recordings.QueryByIndex(ctx, store.IndexSessionID, q.SessionID)
	case q.ApplicationID != "":
		return s.recordings.QueryByIndex(ctx, store.IndexApplicationID, q.ApplicationID)
	default:
		return s.recordings.GetAll(ctx)
	}
}

// RecordingDownloadURL returns a presigned link to an uploaded recording.
func (s *Service) RecordingDownloadURL(ctx context.Context, id string) (string, error) {
	rec, err := s.recordings.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: recording %s", ErrNotFound, id)
	}
	if err != nil {
		return "", err
	}
	if rec.SizeBytes == nil {
		return "", fmt.Errorf("%w: recording %s has not finished uploading", ErrNotFound, id)
	}
	return s.blob.PresignGet(ctx, s.bucket, rec.StoragePath, s.presignTTL)
}

// RecommendedCatalogImage returns the image with the fewest recordings,
// counted through the applications that target it. Ties go to the first
// image in id order.
func (s *Service) RecommendedCatalogImage(ctx context.Context) (model.CatalogImage, error) {
	images, err := s.images.GetAll(ctx)
	if err != nil {
		return model.CatalogImage{}, err
	}
	if len(images) == 0 {
		return model.CatalogImage{}, fmt.Errorf("%w: catalog is empty", ErrNotFound)
	}
	usage, err := s.usage(ctx)
	if err != nil {
		return model.CatalogImage{}, err
	}
	best := images[0]
	for _, img := range images[1:] {
		if usage.byImage[img.ID].Recordings < usage.byImage[best.ID].Recordings {
			best = img
		}
	}
	return best, nil
}

// RecommendedApplicationFor returns the application targeting
// catalogImageID with the fewest recordings.
func (s *Service) RecommendedApplicationFor(ctx context.Context, catalogImageID string) (model.Application, error) {
	apps, err := s.applications.QueryByIndex(ctx, store.IndexCatalogImageID, catalogImageID)
	if err != nil {
		return model.Application{}, err
	}
	if len(apps) == 0 {
		return model.Application{}, fmt.Errorf("%w: no applications for catalog image %s", ErrNotFound, catalogImageID)
	}
	var best model.Application
	bestCount := -1
	for _, app := range apps {
		recs, err := s.recordings.QueryByIndex(ctx, store.IndexApplicationID, app.ID)
		if err != nil {
			return model.Application{}, err
		}
		if bestCount < 0 || len(recs) < bestCount {
			best, bestCount = app, len(recs)
		}
	}
	return best, nil
}

type UsageCount struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Recordings int    `json:"recordings"`
	Bytes      int64  `json:"bytes"`
}

type Stats struct {
	Sessions       int          `json:"sessions"`
	ActiveSessions int          `json:"active_sessions"`
	CatalogImages  int          `json:"catalog_images"`
	Applications   int          `json:"applications"`
	Recordings     int          `json:"recordings"`
	RecordingBytes int64        `json:"recording_bytes"`
	ByApplication  []UsageCount `json:"by_application"`
	ByCatalogImage []UsageCount `json:"by_catalog_image"`
}

type usageIndex struct {
	apps    []model.Application
	recs    []model.Recording
	byApp   map[string]UsageCount
	byImage map[string]UsageCount
}

func (s *Service) usage(ctx context.Context) (usageIndex, error) {
	apps, err := s.applications.GetAll(ctx)
	if err != nil {
		return usageIndex{}, err
	}
	recs, err := s.recordings.GetAll(ctx)
	if err != nil {
		return usageIndex{}, err
	}
	u := usageIndex{apps: apps, recs: recs, byApp: map[string]UsageCount{}, byImage: map[string]UsageCount{}}
	imageOf := make(map[string]string, len(apps))
	for _, app := range apps {
		imageOf[app.ID] = app.CatalogImageID
	}
	for _, rec := range recs {
		var size int64
		if rec.SizeBytes != nil {
			size = *rec.SizeBytes
		}
		a := u.byApp[rec.ApplicationID]
		a.Recordings++
		a.Bytes += size
		u.byApp[rec.ApplicationID] = a
		if img := imageOf[rec.ApplicationID]; img != "" {
			c := u.byImage[img]
			c.Recordings++
			c.Bytes += size
			u.byImage[img] = c
		}
	}
	return u, nil
}

// Stats aggregates catalog usage for the dashboard.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	sessions, err := s.sessions.GetAll(ctx)
	if err != nil {
		return Stats{}, err
	}
	images, err := s.images.GetAll(ctx)
	if err != nil {
		return Stats{}, err
	}
	u, err := s.usage(ctx)
	if err != nil {
		return Stats{}, err
	}

	out := Stats{
		Sessions:       len(sessions),
		CatalogImages:  len(images),
		Applications:   len(u.apps),
		Recordings:     len(u.recs),
		ByApplication:  make([]UsageCount, 0, len(u.apps)),
		ByCatalogImage: make([]UsageCount, 0, len(images)),
	}
	for _, sess := range sessions {
		if sess.EndedAt == nil {
			out.ActiveSessions++
		}
	}
	for _, rec := range u.recs {
		if rec.SizeBytes != nil {
			out.RecordingBytes += *rec.SizeBytes
		}
	}
	for _, app := range u.apps {
		c := u.byApp[app.ID]
		c.ID, c.Name = app.ID, app.Name
		out.ByApplication = append(out.ByApplication, c)
	}
	for _, img := range images {
		c := u.byImage[img.ID]
		c.ID, c.Name = img.ID, img.ImageID
		out.ByCatalogImage = append(out.ByCatalogImage, c)
	}
	return out, nil
}
