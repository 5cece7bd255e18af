package localstore

import (
	"context"
)

// MigrateUpdatedAt fills UpdatedAt from CreatedAt on groups written before
// the field existed. It is idempotent and returns the number of groups fixed.
func MigrateUpdatedAt(ctx context.Context, s Store) (int, error) {
	local, err := s.Get(ctx)
	if err != nil {
		return 0, err
	}
	migrated := 0
	for i := range local {
		if local[i].UpdatedAt == 0 && local[i].CreatedAt != 0 {
			local[i].UpdatedAt = local[i].CreatedAt
			migrated++
		}
	}
	if migrated == 0 {
		return 0, nil
	}
	if err := s.Set(ctx, local); err != nil {
		return 0, err
	}
	return migrated, nil
}
