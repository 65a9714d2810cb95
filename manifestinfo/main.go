// Command manifestinfo prints the identity and rollback-protection fields of
// an APK or a raw compiled AndroidManifest.xml, and optionally checks them
// against a recorded per-package baseline.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/avast/apkverifier"
	"github.com/rs/zerolog"
	"github.com/virtkit/apkmanifest"
)

func main() {
	isApk := flag.Bool("a", false, "the input file is an apk")
	verify := flag.Bool("verify", false, "verify the APK signature before trusting the manifest (apk input only)")
	statePath := flag.String("state", "", "TOML baseline store; the manifest is checked against it and recorded on acceptance")
	debug := flag.Bool("debug", false, "enable debug logging")

	flag.Parse()

	if len(flag.Args()) != 1 {
		fmt.Fprintf(os.Stderr, "%s [flags] INPUT\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if *debug {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}
	apkmanifest.SetLogger(log)

	input := flag.Args()[0]
	if strings.HasSuffix(input, ".apk") {
		*isApk = true
	}

	var info *apkmanifest.ManifestInfo
	var err error

	switch {
	case input == "-":
		var data []byte
		if data, err = io.ReadAll(os.Stdin); err == nil {
			info, err = apkmanifest.ParseManifestInfo(data)
		}
	case *isApk:
		if *verify {
			res, verr := apkverifier.Verify(input, nil)
			if verr != nil {
				log.Fatal().Err(verr).Msg("APK signature verification failed")
			}
			log.Info().
				Int("scheme", res.SigningSchemeId).
				Int("signers", len(res.SignerCerts)).
				Msg("APK signature verified")
		}
		info, err = apkmanifest.ParseApk(input)
	default:
		var data []byte
		if data, err = os.ReadFile(input); err == nil {
			info, err = apkmanifest.ParseManifestInfo(data)
		}
	}

	if err != nil {
		log.Fatal().Err(err).Msg("failed to extract manifest info")
	}

	fmt.Printf("package: %s\n", info.Package())
	fmt.Printf("versionCode: %d\n", info.VersionCode())
	if index, ok := info.RollbackIndex(); ok {
		fmt.Printf("rollbackIndex: %d\n", index)
	} else {
		fmt.Printf("rollbackIndex: (none)\n")
	}
	fmt.Printf("relaxedRollbackProtection: %v\n", info.HasRelaxedRollbackProtectionPermission())

	if *statePath != "" {
		store, err := loadBaselineStore(*statePath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load baseline store")
		}

		if err := store.check(info); err != nil {
			log.Fatal().Err(err).Msg("update rejected")
		}

		if err := store.save(*statePath); err != nil {
			log.Fatal().Err(err).Msg("failed to save baseline store")
		}
		log.Info().Str("package", info.Package()).Msg("update accepted, baseline recorded")
	}
}
