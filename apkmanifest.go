// Package apkmanifest extracts identity and rollback-protection fields from
// the compiled AndroidManifest.xml of an application package: the package
// name, the composed 64-bit version code, the optional
// android.system.virtualmachine.ROLLBACK_INDEX property and the presence of
// the relaxed microdroid rollback protection permission. These fields feed
// the decision whether a new image is an acceptable update of a previously
// installed one, see CheckUpdate.
package apkmanifest

import (
	"fmt"
	"io"
	"runtime/debug"
)

// Manifests are tiny, anything beyond this is garbage or an attack.
const maxManifestSize = 16 * 1024 * 1024

// ParseApk extracts ManifestInfo from the APK at path.
func ParseApk(path string) (*ManifestInfo, error) {
	z, err := OpenApk(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open the APK: %v", err)
	}
	defer z.Close()

	return ParseApkZip(z)
}

// ParseApkReader extracts ManifestInfo from an APK read from r. It may Seek r
// to arbitrary positions.
func ParseApkReader(r io.ReadSeeker) (*ManifestInfo, error) {
	z, err := OpenApkReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open the APK: %v", err)
	}
	defer z.Close()

	return ParseApkZip(z)
}

// ParseApkZip extracts ManifestInfo from an already opened zip. The zip is
// not Close()d. When the archive holds several entries named
// AndroidManifest.xml, the first one that parses wins.
func ParseApkZip(z *ApkZip) (info *ManifestInfo, err error) {
	defer func() {
		if r := recover(); r != nil {
			info = nil
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	manifest := z.File["AndroidManifest.xml"]
	if manifest == nil {
		return nil, fmt.Errorf("failed to find AndroidManifest.xml")
	}

	if err := manifest.Open(); err != nil {
		return nil, err
	}
	defer manifest.Close()

	var lastErr error
	for manifest.Next() {
		data, err := io.ReadAll(io.LimitReader(manifest, maxManifestSize))
		if err != nil {
			lastErr = err
			continue
		}

		info, err := ParseManifestInfo(data)
		if err == nil {
			return info, nil
		}
		lastErr = err
	}

	if lastErr == ErrPlainTextManifest {
		return nil, lastErr
	}

	return nil, fmt.Errorf("failed to parse manifest, last error: %v", lastErr)
}
