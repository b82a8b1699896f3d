//go:build unix

package qrelay

import (
	"errors"

	"golang.org/x/sys/unix"
)

func classifyErrno(err error) (ErrorKind, bool) {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return KindGeneral, false
	}
	switch errno {
	case unix.ENOENT, unix.ETIMEDOUT, unix.EHOSTUNREACH:
		return KindHostUnreachable, true
	case unix.ENETUNREACH:
		return KindNetworkUnreachable, true
	case unix.ECONNREFUSED:
		return KindConnectionRefused, true
	case unix.EADDRINUSE:
		return KindAddressInUse, true
	}
	return KindGeneral, true
}
