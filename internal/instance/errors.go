package instance

import (
	"errors"
	"fmt"
)

// Failure kinds surfaced by the lifecycle stages. Callers distinguish them
// with errors.Is; the CLI maps each kind to its own exit code.
var (
	ErrNoFreePort      = errors.New("no free port in range")
	ErrBridgeSetup     = errors.New("bridge setup failed")
	ErrLaunchFailed    = errors.New("emulator launch failed")
	ErrReadyTimeout    = errors.New("timed out waiting for guest")
	ErrGuestUnresolved = errors.New("guest address not resolved")
	ErrShutdownFailed  = errors.New("guest shutdown failed")
)

// Stage names reported when a lifecycle operation aborts.
const (
	StageAllocatePort = "allocate_port"
	StageEnsureBridge = "ensure_bridge"
	StageLaunch       = "launch"
	StageWaitReady    = "wait_ready"
	StageResolveGuest = "resolve_guest_ip"
	StageShutdown     = "shutdown"
)

// StageError wraps a stage failure with the name of the stage that aborted
// the sequence.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
