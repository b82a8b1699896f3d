//go:build !unix && !windows

package qrelay

import (
	"errors"
	"syscall"
)

func classifyErrno(err error) (ErrorKind, bool) {
	if errors.Is(err, syscall.EADDRINUSE) {
		return KindAddressInUse, true
	}
	return KindGeneral, false
}
