//go:build !debug
// +build !debug

package nodetab

import log "github.com/sirupsen/logrus"

const debugChecks = false

func assert(cond bool, format string, args ...any) {
	if !cond {
		log.WithField("caller", "nodetab").Errorf("Invariant violated: "+format, args...)
	}
}
