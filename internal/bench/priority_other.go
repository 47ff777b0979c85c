//go:build !linux

package bench

import "errors"

func raiseThreadPriority() error {
	return errors.New("thread priority control not supported on this platform")
}
