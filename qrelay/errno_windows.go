//go:build windows

package qrelay

import (
	"errors"

	"golang.org/x/sys/windows"
)

func classifyErrno(err error) (ErrorKind, bool) {
	var errno windows.Errno
	if !errors.As(err, &errno) {
		return KindGeneral, false
	}
	switch errno {
	case windows.ERROR_FILE_NOT_FOUND, windows.WSAETIMEDOUT, windows.WSAEHOSTUNREACH, windows.WSAHOST_NOT_FOUND:
		return KindHostUnreachable, true
	case windows.WSAENETUNREACH:
		return KindNetworkUnreachable, true
	case windows.WSAECONNREFUSED:
		return KindConnectionRefused, true
	case windows.WSAEADDRINUSE:
		return KindAddressInUse, true
	}
	return KindGeneral, true
}
