package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/turk-chat/listener/internal/audio"
)

// ErrOverflow reports that a frame was lost before it could be read. It is
// not fatal: the caller substitutes silence and carries on.
var ErrOverflow = errors.New("input overflow")

// Source yields frames in arrival order.
//
// NextFrame returns ErrOverflow for a lost frame, a *DeviceError when the
// underlying device has failed, and io.EOF when the stream has ended.
type Source interface {
	NextFrame(ctx context.Context) (audio.Frame, error)
	Format() audio.Format
	Close() error
}

// DeviceError is a fatal failure of the underlying capture device
type DeviceError struct {
	Device string
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %q: %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}
