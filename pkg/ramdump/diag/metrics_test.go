package diag

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ReadFailure("rbtree")
	m.PrunedEdge("rbtree")
	m.ZeroFilled()
	m.CompressedPage("ok")
	m.TruncatedWalk("vma")
	m.Unregister()
}

func TestMetrics_RegisterOrGet(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewMetrics(reg)
	b := NewMetrics(reg)

	a.ReadFailure("radix")
	b.ReadFailure("radix")
	a.ZeroFilled()

	assert.Equal(t, 2.0, testutil.ToFloat64(b.readFailures.WithLabelValues("radix")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.zeroFilledChunks))

	a.Unregister()
	assert.Empty(t, mustGather(t, reg))
}

func mustGather(t *testing.T, g prometheus.Gatherer) []string {
	t.Helper()
	families, err := g.Gather()
	assert.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	return names
}
