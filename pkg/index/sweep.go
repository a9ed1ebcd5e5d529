package index

import (
	"context"

	"github.com/cratery/registry/pkg/regerrors"
)

// Reconcile is the startup integrity sweep (§4.4): given the full set of
// index lines the metadata database says should exist, it re-adds any line
// missing from the on-disk index and repairs yanked flags that drifted. It
// returns how many lines were repaired. Run before accepting traffic.
func (s *Store) Reconcile(ctx context.Context, expected []VersionMeta) (int, error) {
	repaired := 0
	for _, want := range expected {
		if err := ctx.Err(); err != nil {
			return repaired, err
		}

		have, err := s.Versions(ctx, want.Name)
		if err != nil {
			if e, ok := regerrors.As(err); !ok || e.Kind != regerrors.KindNotFound {
				return repaired, err
			}
		}

		found := false
		for _, m := range have {
			if m.Vers != want.Vers {
				continue
			}
			found = true
			if m.Yanked != want.Yanked {
				if err := s.Yank(ctx, want.Name, want.Vers, want.Yanked); err != nil {
					return repaired, err
				}
				repaired++
			}
			break
		}
		if !found {
			if err := s.AddVersion(ctx, want); err != nil {
				return repaired, err
			}
			repaired++
		}
	}
	return repaired, nil
}
