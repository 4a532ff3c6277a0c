//go:build !unix

package deadletter

import (
	"fmt"
	"os"
)

// lockDir only creates the lock file; exclusive access is enforced on unix.
func lockDir(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter lock: %w", err)
	}
	return f, nil
}
