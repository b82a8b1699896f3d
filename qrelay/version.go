package qrelay

import "runtime"

var (
	// Version is overridden at build time with -ldflags "-X".
	Version  = "v0.1.0"
	Platform = runtime.GOOS + "/" + runtime.GOARCH
)
