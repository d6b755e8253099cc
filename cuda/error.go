package cuda

import (
	"errors"
	"fmt"
)

// ErrNotCompiled is returned by every call when the binary was built
// without the cuda tag.
var ErrNotCompiled = errors.New("built without CUDA support (rebuild with -tags cuda)")

// Error is a non-success status from the CUDA runtime, cuBLAS or cuRAND.
type Error struct {
	Op   string
	Lib  string
	Code int
	Msg  string
	oom  bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s error %d: %s", e.Op, e.Lib, e.Code, e.Msg)
}

// OutOfMemory reports whether the status is an allocation failure.
func (e *Error) OutOfMemory() bool { return e.oom }
