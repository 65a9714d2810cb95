package apkmanifest

import (
	"errors"
	"fmt"
)

var (
	// ErrPackageMismatch means the candidate manifest belongs to a different
	// package than the recorded baseline.
	ErrPackageMismatch = errors.New("package name does not match baseline")

	// ErrRollback means the candidate manifest carries a lower rollback index
	// than previously observed and does not request the relaxed protection
	// permission.
	ErrRollback = errors.New("rollback index lower than baseline")
)

// Baseline captures the fields of a previously accepted package image that
// matter for rollback protection.
type Baseline struct {
	Package          string
	VersionCode      uint64
	RollbackIndex    uint32
	HasRollbackIndex bool
}

// Baseline returns the rollback-protection baseline this manifest would
// establish once accepted.
func (m *ManifestInfo) Baseline() Baseline {
	index, ok := m.RollbackIndex()
	return Baseline{
		Package:          m.Package(),
		VersionCode:      m.VersionCode(),
		RollbackIndex:    index,
		HasRollbackIndex: ok,
	}
}

// CheckUpdate decides whether next is acceptable as an update of the image
// recorded in prev. A candidate whose rollback index is lower than, or absent
// relative to, the baseline would reintroduce a payload the baseline already
// moved past, so it is rejected unless the candidate requests the relaxed
// rollback protection permission.
func CheckUpdate(prev Baseline, next *ManifestInfo) error {
	if next.Package() != prev.Package {
		return fmt.Errorf("%w: have %q, baseline %q", ErrPackageMismatch, next.Package(), prev.Package)
	}

	if !prev.HasRollbackIndex {
		// Nothing recorded to roll back from.
		return nil
	}

	index, ok := next.RollbackIndex()
	if ok && index >= prev.RollbackIndex {
		return nil
	}

	if next.HasRelaxedRollbackProtectionPermission() {
		logger.Warn().
			Str("package", next.Package()).
			Uint32("baseline_index", prev.RollbackIndex).
			Msg("allowing rollback, relaxed rollback protection requested")
		return nil
	}

	if !ok {
		return fmt.Errorf("%w: baseline %d, candidate has none", ErrRollback, prev.RollbackIndex)
	}
	return fmt.Errorf("%w: baseline %d, candidate %d", ErrRollback, prev.RollbackIndex, index)
}
