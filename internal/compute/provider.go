package compute

import (
	"context"
	"errors"
	"fmt"

	"github.com/telemyapp/emulab-control-plane/internal/model"
)

var (
	// ErrQuotaExceeded means the provider has no capacity for this request
	// right now. Callers surface it as "try again later".
	ErrQuotaExceeded    = errors.New("compute quota exceeded")
	ErrInstanceNotFound = errors.New("instance not found")
)

// ProvisionError is any other provider failure.
type ProvisionError struct {
	Op  string
	Err error
}

func (e *ProvisionError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *ProvisionError) Unwrap() error { return e.Err }

type ImageSpec struct {
	SessionID    string
	ImageID      string
	InstanceType string
	DiskSizeGB   int
}

func SpecFor(sessionID string, img model.CatalogImage) ImageSpec {
	return ImageSpec{
		SessionID:    sessionID,
		ImageID:      img.ImageID,
		InstanceType: img.InstanceType,
		DiskSizeGB:   img.DiskSizeGB,
	}
}

type Provider interface {
	CreateInstance(ctx context.Context, spec ImageSpec) (model.InstanceView, error)
	DescribeInstance(ctx context.Context, id string) (model.InstanceView, error)
	// DescribeInstances omits ids the provider no longer knows.
	DescribeInstances(ctx context.Context, ids []string) (map[string]model.InstanceView, error)
	// TerminateInstance succeeds for instances that are already gone.
	TerminateInstance(ctx context.Context, id string) error
}
