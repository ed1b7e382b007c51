//go:build !linux

package conn

import "errors"

func setReusePort(uintptr) error {
	return errors.New("SO_REUSEPORT is only supported on linux")
}
