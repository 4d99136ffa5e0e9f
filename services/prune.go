package services

import "github.com/mailio/go-mailio-keyshare/types"

// PruneOrphanedRecoveryMethods splits methods into the ones still usable and the ones whose
// share version is neither current nor retained. Methods without a share version are always kept.
// previousVersions must be recomputed from the record being written, never taken from a stale read.
func PruneOrphanedRecoveryMethods(methods []types.RecoveryMethod, currentVersion int, previousVersions []int) (kept []types.RecoveryMethod, dropped []types.RecoveryMethod) {
	valid := make(map[int]struct{}, len(previousVersions)+1)
	valid[currentVersion] = struct{}{}
	for _, v := range previousVersions {
		valid[v] = struct{}{}
	}

	kept = make([]types.RecoveryMethod, 0, len(methods))
	for _, m := range methods {
		if m.ShareVersion == nil {
			kept = append(kept, m)
			continue
		}
		if _, ok := valid[*m.ShareVersion]; ok {
			kept = append(kept, m)
			continue
		}
		dropped = append(dropped, m)
	}
	return kept, dropped
}

// isOrphaned reports whether the recovery method references a share version the record no longer holds
func isOrphaned(key *types.UserKey, m *types.RecoveryMethod) bool {
	if m.ShareVersion == nil {
		return false
	}
	_, dropped := PruneOrphanedRecoveryMethods([]types.RecoveryMethod{*m}, key.ShareVersion, key.PreviousVersions())
	return len(dropped) > 0
}
