package relay

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.connOpened()
	m.connClosed()
	m.routed(routeLive)
	m.backlog(3)
	m.rejected(codeBadJSON)
	m.ignored()
	m.displaced()
}

func TestMetrics_RegisteredNames(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.connOpened()
	m.routed(routeStored)
	m.rejected(codeRateLimited)

	expected := `
# HELP dmrelay_messages_routed_total Chat messages persisted, by delivery route (live push or stored for replay).
# TYPE dmrelay_messages_routed_total counter
dmrelay_messages_routed_total{route="stored"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "dmrelay_messages_routed_total"))

	n, err := testutil.GatherAndCount(reg,
		"dmrelay_connections_active",
		"dmrelay_frames_rejected_total",
	)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
