package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSecurity is wrapped by every fatal handshake failure
	ErrSecurity = errors.New("security error")

	// ErrProtocolViolation marks frames that break protocol rules
	ErrProtocolViolation = errors.New("protocol violation")

	ErrAccessKeyRequired = fmt.Errorf("%w: server requires an access key but none was configured", ErrSecurity)
	ErrAccessDenied      = fmt.Errorf("%w: access key mismatch", ErrSecurity)
	ErrHandshakeTimeout  = fmt.Errorf("%w: handshake timed out", ErrSecurity)
	ErrBadHandshake      = fmt.Errorf("%w: malformed handshake frame", ErrSecurity)

	ErrAlreadyReady      = fmt.Errorf("%w: session already ready", ErrProtocolViolation)
	ErrInvalidTransition = fmt.Errorf("%w: invalid handshake transition", ErrProtocolViolation)

	// ErrClosed is returned for writes on a closed session
	ErrClosed = errors.New("session closed")
)
