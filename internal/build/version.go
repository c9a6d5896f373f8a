package build

// Version is set at build time with -ldflags "-X github.com/storacha/queuepump/internal/build.Version=...".
var Version = "v0.0.0-dev"
