//go:build !unix && !windows

package boardlock

import (
	"fmt"
	"runtime"
)

func acquire(_, _ string) (Lock, error) {
	return nil, fmt.Errorf("%w on %s", ErrUnsupported, runtime.GOOS)
}
