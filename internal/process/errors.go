package process

import (
	"errors"
	"fmt"

	"github.com/nerrad567/knx-process/internal/knx"
)

// Domain errors for process communication.
var (
	// ErrInvalidArgument is returned for invalid configuration values and
	// missing constructor arguments.
	ErrInvalidArgument = errors.New("process: invalid argument")

	// ErrIllegalState is the parent of errors caused by calling an
	// operation in a state that does not allow it.
	ErrIllegalState = errors.New("process: illegal state")

	// ErrDetached is returned by every operation on a detached communicator
	// and by reads that were waiting when it was detached.
	ErrDetached = fmt.Errorf("%w: communicator detached", ErrIllegalState)

	// ErrTimeout is returned when no response arrives within the response
	// timeout. It is a protocol error.
	ErrTimeout = fmt.Errorf("%w: response timeout", knx.ErrProtocol)
)
