package services

import (
	"testing"

	"github.com/mailio/go-mailio-keyshare/types"
	"github.com/stretchr/testify/assert"
)

func intPtr(i int) *int {
	return &i
}

func methodVersions(methods []types.RecoveryMethod) []interface{} {
	out := []interface{}{}
	for _, m := range methods {
		if m.ShareVersion == nil {
			out = append(out, nil)
			continue
		}
		out = append(out, *m.ShareVersion)
	}
	return out
}

func TestPruneOrphanedRecoveryMethods(t *testing.T) {
	methods := []types.RecoveryMethod{
		{Type: types.RecoveryMethodPassword, ShareVersion: intPtr(7)},
		{Type: types.RecoveryMethodPasskey, CredentialID: "c1", ShareVersion: intPtr(4)},
		{Type: types.RecoveryMethodBackup, ShareVersion: intPtr(1)},
	}
	kept, dropped := PruneOrphanedRecoveryMethods(methods, 7, []int{3, 4, 5, 6})
	assert.Equal(t, []interface{}{7, 4}, methodVersions(kept))
	assert.Equal(t, []interface{}{1}, methodVersions(dropped))
}

func TestPruneKeepsUnversioned(t *testing.T) {
	methods := []types.RecoveryMethod{
		{Type: types.RecoveryMethodPassword},
		{Type: types.RecoveryMethodPhrase, ShareVersion: intPtr(2)},
	}
	kept, dropped := PruneOrphanedRecoveryMethods(methods, 9, nil)
	assert.Equal(t, []interface{}{nil}, methodVersions(kept))
	assert.Len(t, dropped, 1)

	kept, dropped = PruneOrphanedRecoveryMethods(nil, 1, nil)
	assert.Empty(t, kept)
	assert.Empty(t, dropped)
}

func TestPruneIdempotent(t *testing.T) {
	methods := []types.RecoveryMethod{
		{Type: types.RecoveryMethodPassword, ShareVersion: intPtr(3)},
		{Type: types.RecoveryMethodPasskey, ShareVersion: intPtr(10)},
		{Type: types.RecoveryMethodBackup},
		{Type: types.RecoveryMethodPhrase, ShareVersion: intPtr(8)},
	}
	once, _ := PruneOrphanedRecoveryMethods(methods, 10, []int{8, 9})
	twice, dropped := PruneOrphanedRecoveryMethods(once, 10, []int{8, 9})
	assert.Equal(t, once, twice)
	assert.Empty(t, dropped)
}
