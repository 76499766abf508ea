package internal

import "fmt"

var (
	// Version and GitRevision are injected with -ldflags at build time.
	Version         = "devel"
	GitRevision     = "devel"
	VersionRevision = fmt.Sprintf("%s-%s", Version, GitRevision)
)

// ServerName is reported by the info endpoint and the version handler.
const ServerName = "sockjs-bridge"
