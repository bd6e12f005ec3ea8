// Package buildinfo exposes version metadata injected at link time.
package buildinfo

// Version is overridden at build time via:
//
//	go build -ldflags "-X wiresmith/internal/buildinfo.Version=1.2.3"
var Version = "dev"
