package job

import "context"

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/mattjoyce/herald/internal/job Store

// Store persists job records. The Registry is the only caller and already
// serializes writes per job id.
type Store interface {
	// Save upserts j. When from differs from j.Status a transition row is appended.
	Save(ctx context.Context, j *Job, from Status) error
	SaveOffsets(ctx context.Context, jobID string, off Offsets) error
	Get(ctx context.Context, jobID string) (*Job, error)
	ListByTarget(ctx context.Context, targetID string, limit int) ([]*Job, error)
	ListByOrigin(ctx context.Context, originID string, limit int) ([]*Job, error)
	FindByStatus(ctx context.Context, statuses []Status) ([]*Job, error)
}
