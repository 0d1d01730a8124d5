package store

import "github.com/telemyapp/emulab-control-plane/internal/model"

// Index names shared by every kind that carries them.
const (
	IndexSessionID      = "session_id"
	IndexApplicationID  = "application_id"
	IndexCatalogImageID = "catalog_image_id"
)

var (
	SessionKind = KindConfig[model.Session]{
		Kind: "session",
		ID:   func(s model.Session) string { return s.ID },
		Indexes: map[string]func(model.Session) string{
			IndexCatalogImageID: func(s model.Session) string { return s.CatalogImageID },
		},
	}
	LivenessKind = KindConfig[model.SessionLiveness]{
		Kind: "session_liveness",
		ID:   func(l model.SessionLiveness) string { return l.SessionID },
	}
	CatalogImageKind = KindConfig[model.CatalogImage]{
		Kind: "catalog_image",
		ID:   func(c model.CatalogImage) string { return c.ID },
	}
	ApplicationKind = KindConfig[model.Application]{
		Kind: "application",
		ID:   func(a model.Application) string { return a.ID },
		Indexes: map[string]func(model.Application) string{
			IndexCatalogImageID: func(a model.Application) string { return a.CatalogImageID },
		},
	}
	RecordingKind = KindConfig[model.Recording]{
		Kind: "recording",
		ID:   func(r model.Recording) string { return r.ID },
		Indexes: map[string]func(model.Recording) string{
			IndexSessionID:     func(r model.Recording) string { return r.SessionID },
			IndexApplicationID: func(r model.Recording) string { return r.ApplicationID },
		},
	}
)

// Collections bundles the typed collections the control plane works with.
type Collections struct {
	Sessions     Collection[model.Session]
	Liveness     Collection[model.SessionLiveness]
	Images       Collection[model.CatalogImage]
	Applications Collection[model.Application]
	Recordings   Collection[model.Recording]
}

func NewPostgres(db DB) Collections {
	t := NewTable(db)
	return Collections{
		Sessions:     NewRepository(t, SessionKind),
		Liveness:     NewRepository(t, LivenessKind),
		Images:       NewRepository(t, CatalogImageKind),
		Applications: NewRepository(t, ApplicationKind),
		Recordings:   NewRepository(t, RecordingKind),
	}
}

func NewMemory() Collections {
	return Collections{
		Sessions:     NewMemoryCollection(SessionKind),
		Liveness:     NewMemoryCollection(LivenessKind),
		Images:       NewMemoryCollection(CatalogImageKind),
		Applications: NewMemoryCollection(ApplicationKind),
		Recordings:   NewMemoryCollection(RecordingKind),
	}
}
