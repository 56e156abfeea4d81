package nodetab

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	tassert "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute)
	de := r.FindOrInsertDist("peer@host")
	require.True(t, r.SetConnected(de, ConnectInfo{ConnectionID: 1, Flags: FlagPublished}))
	_, err := de.Enqueue(1, []byte("hello"))
	require.NoError(t, err)
	r.FindOrInsertDist("idle@host")

	expected := `
# HELP nodetab_dist_entries Number of dist entries by classification.
# TYPE nodetab_dist_entries gauge
nodetab_dist_entries{class="hidden"} 0
nodetab_dist_entries{class="not_connected"} 2
nodetab_dist_entries{class="visible"} 1
# HELP nodetab_dist_queue_bytes Bytes queued for transmission per peer.
# TYPE nodetab_dist_queue_bytes gauge
nodetab_dist_queue_bytes{peer="peer@host"} 5
# HELP nodetab_nodes Number of node records, including records waiting for deletion.
# TYPE nodetab_nodes gauge
nodetab_nodes 1
`
	err = testutil.CollectAndCompare(NewCollector(r), strings.NewReader(expected),
		"nodetab_dist_entries", "nodetab_dist_queue_bytes", "nodetab_nodes")
	tassert.NoError(t, err)
}

func TestDump(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute)
	r.SetThisNode("me@host", 2)
	n := r.FindOrInsertNode("peer@host", 1)
	require.True(t, r.SetConnected(n.Dist(), ConnectInfo{ConnectionID: 3, Flags: FlagPublished}))

	var buf bytes.Buffer
	require.NoError(t, r.Dump(&buf))
	out := buf.String()

	tassert.Contains(t, out, "local node me@host/2")
	tassert.Contains(t, out, "Node table (3 entries)")
	tassert.Contains(t, out, "Dist table (3 entries)")
	tassert.Contains(t, out, "visible")
	tassert.Contains(t, out, "connected")

	var peer DistInfo
	for _, d := range r.Dists() {
		if d.Name == "peer@host" {
			peer = d
		}
	}
	tassert.Equal(t, uint32(3), peer.ConnectionID)
	tassert.Equal(t, int64(2), peer.Refc)
	tassert.Equal(t, ClassVisible, peer.Class)
}
