package config

// Build metadata, set via -ldflags "-X github.com/edirooss/logstream-server/internal/config.Version=...".
var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)
