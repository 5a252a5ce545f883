// Package version reports the build version of capdir.
//
// Version, git commit, branch, and build time are set at compile time
// via -ldflags:
//
//	go build -ldflags "-X github.com/kbukum/capdir/version.Version=1.0.0" ./cmd/capdir
package version
