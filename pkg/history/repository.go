package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/vyvo/compute/reviewci/pkg/revision"
)

// ErrInvalidRecord is returned when a record cannot be stored.
var ErrInvalidRecord = errors.New("invalid build record")

// Repository persists per-job build history. Implementations serialize the
// read-modify-write of a job's history so concurrent builds of one job keep
// the last-built revision consistent.
type Repository interface {
	Load(ctx context.Context, job string) (BuildHistory, error)
	Record(ctx context.Context, job string, rec BuildRecord) (BuildHistory, error)
}

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*PostgresStore)(nil)
	_ Repository = (*RedisStore)(nil)
)

func validate(job string, rec BuildRecord) error {
	if job == "" {
		return fmt.Errorf("%w: job name is required", ErrInvalidRecord)
	}
	if !revision.ValidID(rec.Revision.ID) {
		return fmt.Errorf("%w: revision %q", ErrInvalidRecord, rec.Revision.ID)
	}
	if !rec.Result.Valid() {
		return fmt.Errorf("%w: result %q", ErrInvalidRecord, rec.Result)
	}
	return nil
}
