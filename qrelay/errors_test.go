package qrelay

import (
	"errors"
	"fmt"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		kind  ErrorKind
		reply byte
	}{
		{"nil", nil, KindGeneral, RepGeneralFailure},
		{"plain", errors.New("boom"), KindGeneral, RepGeneralFailure},
		{"dns", &net.DNSError{Err: "no such host", Name: "x", IsNotFound: true}, KindHostUnreachable, RepHostUnreachable},
		{"wrapped dns", fmt.Errorf("lookup x: %w", &net.DNSError{Err: "no such host"}), KindHostUnreachable, RepHostUnreachable},
		{"not exist", fmt.Errorf("open: %w", os.ErrNotExist), KindHostUnreachable, RepHostUnreachable},
		{"timeout", &net.OpError{Op: "dial", Net: "tcp", Err: timeoutError{}}, KindHostUnreachable, RepHostUnreachable},
		{"bind exhausted", fmt.Errorf("%w: port 1", ErrBindExhausted), KindGeneral, RepGeneralFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind := ClassifyError(tt.err)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.reply, kind.Reply())
		})
	}
}

func TestErrorKindString(t *testing.T) {
	assert.Equal(t, "general", KindGeneral.String())
	assert.Equal(t, "host_unreachable", KindHostUnreachable.String())
	assert.Equal(t, "network_unreachable", KindNetworkUnreachable.String())
	assert.Equal(t, "connection_refused", KindConnectionRefused.String())
	assert.Equal(t, "address_in_use", KindAddressInUse.String())
}
