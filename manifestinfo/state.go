package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/virtkit/apkmanifest"
)

// baselineStore is the on-disk rollback baseline, one entry per package.
type baselineStore struct {
	Packages map[string]baselineEntry `toml:"packages"`
}

type baselineEntry struct {
	VersionCode       uint64 `toml:"version_code"`
	RollbackIndex     uint32 `toml:"rollback_index"`
	RollbackProtected bool   `toml:"rollback_protected"`
}

// loadBaselineStore reads the store at path. A missing file yields an empty
// store, a malformed one is an error.
func loadBaselineStore(path string) (*baselineStore, error) {
	var store baselineStore
	if _, err := toml.DecodeFile(path, &store); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load baseline store: %w", err)
		}
	}
	if store.Packages == nil {
		store.Packages = make(map[string]baselineEntry)
	}
	return &store, nil
}

// check validates info against the recorded baseline for its package and, on
// acceptance, replaces the baseline with the candidate's fields.
func (s *baselineStore) check(info *apkmanifest.ManifestInfo) error {
	if entry, ok := s.Packages[info.Package()]; ok {
		prev := apkmanifest.Baseline{
			Package:          info.Package(),
			VersionCode:      entry.VersionCode,
			RollbackIndex:    entry.RollbackIndex,
			HasRollbackIndex: entry.RollbackProtected,
		}
		if err := apkmanifest.CheckUpdate(prev, info); err != nil {
			return err
		}
	}

	index, ok := info.RollbackIndex()
	s.Packages[info.Package()] = baselineEntry{
		VersionCode:       info.VersionCode(),
		RollbackIndex:     index,
		RollbackProtected: ok,
	}
	return nil
}

func (s *baselineStore) save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("save baseline store: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(s); err != nil {
		f.Close()
		return fmt.Errorf("save baseline store: %w", err)
	}
	return f.Close()
}
