package ramctx

import (
	"bytes"
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, defaultLogger, Logger(ctx))
	assert.NotNil(t, Registry(ctx))
	assert.NotNil(t, Metrics(ctx))
}

func TestWrapDump(t *testing.T) {
	var buf bytes.Buffer
	reg := prometheus.NewRegistry()
	ctx := WithLogger(context.Background(), log.NewLogfmtLogger(&buf))
	ctx = WithRegistry(ctx, reg)
	ctx = WrapDump(ctx, "crash-01")

	require.NoError(t, Logger(ctx).Log("msg", "hello"))
	assert.Equal(t, "dump=crash-01 msg=hello\n", buf.String())

	m := Metrics(ctx)
	ctx = WithMetrics(ctx, m)
	assert.Same(t, m, Metrics(ctx))
	m.ZeroFilled()
	m.ZeroFilled()

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "ramdump_zero_filled_chunks_total", families[0].GetName())
	assert.Equal(t, "dump", families[0].GetMetric()[0].GetLabel()[0].GetName())
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Collectors()[2]))
}
