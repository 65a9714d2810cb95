package apkmanifest

import "github.com/rs/zerolog"

// Extraction never fails because of a malformed <property> or
// <uses-permission> tag, it drops the tag and reports it here instead. The
// default logger discards everything.
var logger = zerolog.Nop()

// SetLogger routes the package's diagnostics to l.
func SetLogger(l zerolog.Logger) {
	logger = l
}
