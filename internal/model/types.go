package model

import (
	"time"

	"github.com/google/uuid"
)

type SessionState string

const (
	SessionRequested          SessionState = "requested"
	SessionProvisioning       SessionState = "provisioning"
	SessionAwaitingNetwork    SessionState = "awaiting_network"
	SessionBindingTLS         SessionState = "binding_tls"
	SessionActive             SessionState = "active"
	SessionInactivityDetected SessionState = "inactivity_detected"
	SessionTerminating        SessionState = "terminating"
	SessionTerminated         SessionState = "terminated"
)

// Setup reports whether the state belongs to the asynchronous setup phase.
func (s SessionState) Setup() bool {
	switch s {
	case SessionProvisioning, SessionAwaitingNetwork, SessionBindingTLS:
		return true
	}
	return false
}

// Provider lifecycle states as reported by the compute provider.
const (
	InstancePending      = "pending"
	InstanceRunning      = "running"
	InstanceShuttingDown = "shutting-down"
	InstanceStopping     = "stopping"
	InstanceStopped      = "stopped"
	InstanceTerminated   = "terminated"
)

// InstanceView is a cached snapshot of provider state. It is overwritten
// wholesale on refresh and is never the source of truth.
type InstanceView struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	LifecycleState string `json:"lifecycle_state"`
	IPAddress      string `json:"ip_address,omitempty"`
	PublicAddress  string `json:"public_address,omitempty"`
}

func (v InstanceView) Live() bool {
	return v.LifecycleState == InstanceRunning || v.LifecycleState == InstancePending
}

type Session struct {
	ID             string        `json:"id"`
	CatalogImageID string        `json:"catalog_image_id"`
	Instance       *InstanceView `json:"instance"`
	// TLSBound and BoundAddress are owned by the control plane and written
	// separately from Instance so a refresh never clobbers them.
	TLSBound       bool          `json:"tls_bound"`
	BoundAddress   string        `json:"bound_address,omitempty"`
	State          SessionState  `json:"state"`
	StateChangedAt time.Time     `json:"state_changed_at"`
	SetupAttempts  int           `json:"setup_attempts"`
	UserIP         string        `json:"user_ip,omitempty"`
	ClientInfo     string        `json:"client_info,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`

	// ReleaseVerified is set once reconciliation has seen the instance and
	// DNS record of an ended session gone.
	ReleaseVerified bool `json:"release_verified"`
}

func (s *Session) InstanceID() string {
	if s.Instance == nil {
		return ""
	}
	return s.Instance.ID
}

// Ready holds when Active-gated device operations are permitted.
func (s *Session) Ready() bool {
	return s.State == SessionActive &&
		s.EndedAt == nil &&
		s.Instance != nil &&
		s.Instance.LifecycleState == InstanceRunning &&
		s.TLSBound &&
		s.BoundAddress != ""
}

type SessionLiveness struct {
	SessionID              string     `json:"session_id"`
	LastAccessedAt         time.Time  `json:"last_accessed_at"`
	InstanceResponding     bool       `json:"instance_responding"`
	TerminationScheduled   bool       `json:"termination_scheduled"`
	TerminationScheduledAt *time.Time `json:"termination_scheduled_at,omitempty"`
}

type ScreenGeometry struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	DPI    int `json:"dpi"`
}

type CatalogImage struct {
	ID               string         `json:"id"`
	ImageID          string         `json:"image_id"`
	InstanceType     string         `json:"instance_type"`
	DiskSizeGB       int            `json:"disk_size_gb"`
	AndroidVersion   string         `json:"android_version"`
	Screen           ScreenGeometry `json:"screen"`
	RepresentingYear int            `json:"representing_year"`
	CreatedAt        time.Time      `json:"created_at"`
}

type Orientation string

const (
	OrientationVertical   Orientation = "vertical"
	OrientationHorizontal Orientation = "horizontal"
)

type Application struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Version        string      `json:"version"`
	PackageName    string      `json:"package_name"`
	BinaryPath     string      `json:"binary_path"`
	NetworkEnabled bool        `json:"network_enabled"`
	Orientation    Orientation `json:"orientation"`
	CatalogImageID string      `json:"catalog_image_id"`
	CreatedAt      time.Time   `json:"created_at"`
}

type Recording struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	ApplicationID   string    `json:"application_id"`
	StoragePath     string    `json:"storage_path"`
	DurationSeconds *int      `json:"duration_seconds,omitempty"`
	SizeBytes       *int64    `json:"size_bytes,omitempty"`
	CapturedAt      time.Time `json:"captured_at"`
}

// NewID returns a sortable, time-ordered identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
