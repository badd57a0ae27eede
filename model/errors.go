package model

import "errors"

// Message-scoped error kinds. Concrete errors wrap one of these so callers can
// branch with errors.Is.
var (
	ErrParse              = errors.New("unparseable message")
	ErrPathResolution     = errors.New("folder resolves outside extraction root")
	ErrWrite              = errors.New("local write failed")
	ErrRemote             = errors.New("remote operation failed")
	ErrCollisionExhausted = errors.New("no free file name")
)
