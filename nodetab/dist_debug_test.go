//go:build debug
// +build debug

package nodetab

import (
	"errors"
	"testing"
	"time"

	tassert "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectLiveEntryPanics(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute)
	de := r.FindOrInsertDist("peer@host")
	require.True(t, r.SetConnected(de, ConnectInfo{ConnectionID: 1}))

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		r.SetConnected(de, ConnectInfo{ConnectionID: 2})
	}()

	err, ok := recovered.(error)
	require.True(t, ok, "expected an error panic, got %v", recovered)
	tassert.True(t, errors.Is(err, ErrInvariant))
	tassert.Equal(t, uint32(1), de.ConnectionID())
	tassert.Equal(t, ClassHidden, de.Class())
}
