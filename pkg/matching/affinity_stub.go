//go:build !linux

package matching

import "errors"

// pinToCore is unsupported off Linux; workers run unpinned.
func pinToCore(int) error {
	return errors.New("cpu affinity not supported on this platform")
}
