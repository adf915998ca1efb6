package modes

import "context"

// WaitingMode is the idle mode the core parks in between operations and
// falls back to after an abort with nothing left to continue.
type WaitingMode struct {
	Base
}

func NewWaiting() *WaitingMode { return &WaitingMode{} }

func (*WaitingMode) Type() Type { return Waiting }

func (*WaitingMode) CanBeStopped() bool { return false }

func (*WaitingMode) Start(ctx context.Context, deps *Deps) error { return nil }
