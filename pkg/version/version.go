package version

// Set at build time with
// -ldflags "-X github.com/chmdznr/gallery-uploader/pkg/version.Version=..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)
