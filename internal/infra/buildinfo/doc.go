// Package buildinfo exposes the version of the running binary.
//
// Release builds inject the values via ldflags:
//
//	go build -ldflags "-X github.com/yndnr/nodelink-go/internal/infra/buildinfo.Version=v1.0.0 \
//	  -X github.com/yndnr/nodelink-go/internal/infra/buildinfo.Commit=abc123"
//
// Fields left unset are filled from the module build information the Go
// toolchain embeds.
package buildinfo
