//go:build debug
// +build debug

package nodetab

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

const debugChecks = true

func assert(cond bool, format string, args ...any) {
	if cond {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.WithField("caller", "nodetab").Error(msg)
	panic(fmt.Errorf("%w: %s", ErrInvariant, msg))
}
