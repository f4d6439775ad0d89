//go:build !linux && !darwin

package storage

import (
	"errors"
)

// Available implements SpaceChecker. Free space is unknown on this
// platform, so admission control lets every batch through.
func (StatfsChecker) Available(path string) (uint64, error) {
	return 0, errors.New("free space probe not supported on this platform")
}
