//go:build debug
// +build debug

package outq

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

const (
	guardPattern  uint64 = 0xf713f713f713f713
	guardReleased uint64 = 0xdeadf713deadf713
)

// guard holds a sentinel written at allocation and checked on every access
// and on release.
type guard struct {
	pattern uint64
}

func (g *guard) arm() {
	g.pattern = guardPattern
}

func (g *guard) check() {
	if g.pattern != guardPattern {
		log.WithField("caller", "outq").Errorf("Buffer guard mismatch: %#x", g.pattern)
		panic(fmt.Errorf("%w: guard %#x", ErrBufferCorrupt, g.pattern))
	}
}

func (g *guard) poison() {
	g.pattern = guardReleased
}

// GuardEnabled reports whether buffers carry a sentinel pattern.
const GuardEnabled = true
