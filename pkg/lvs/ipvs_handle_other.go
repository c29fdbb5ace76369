//go:build !linux

package lvs

import "errors"

// NewIPVSHandle fails: IPVS only exists on Linux.
func NewIPVSHandle(_ string) (IPVSHandle, error) {
	return nil, errors.New("IPVS is only supported on Linux")
}
