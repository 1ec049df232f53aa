package version

// Version is the current release, overridden at build time via -ldflags.
var Version = "0.3.0"
