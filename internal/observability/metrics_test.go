package observability

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusClass(t *testing.T) {
	testCases := []struct {
		status   int
		expected string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{204, "2xx"},
		{299, "2xx"},
		{300, "3xx"},
		{301, "3xx"},
		{304, "3xx"},
		{399, "3xx"},
		{400, "4xx"},
		{401, "4xx"},
		{404, "4xx"},
		{499, "4xx"},
		{500, "5xx"},
		{502, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
		{600, "5xx"}, // >= 500 returns 5xx
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			result := statusClass(tc.status)
			assert.Equal(t, tc.expected, result)
		})
	}
}

// TestMetrics_AllMethods exercises every metrics method from a single
// NewMetrics call; promauto registers on the default registry, so a second
// call in the same process would panic with a duplicate registration.
func TestMetrics_AllMethods(t *testing.T) {
	m := NewMetrics()
	require.NotNil(t, m)

	t.Run("RecordRelayConnect", func(t *testing.T) {
		assert.NotPanics(t, func() {
			m.RecordRelayConnect(nil)
			m.RecordRelayConnect(assert.AnError)
		})
	})

	t.Run("RecordRelayReconnect", func(t *testing.T) {
		assert.NotPanics(t, func() {
			m.RecordRelayReconnect()
		})
	})

	t.Run("UpdateRelayReady", func(t *testing.T) {
		assert.NotPanics(t, func() {
			m.UpdateRelayReady(true)
			m.UpdateRelayReady(false)
		})
	})

	t.Run("RecordRelayPublish", func(t *testing.T) {
		assert.NotPanics(t, func() {
			m.RecordRelayPublish(nil)
			m.RecordRelayPublish(assert.AnError)
		})
	})

	t.Run("RecordRelayDelivery", func(t *testing.T) {
		assert.NotPanics(t, func() {
			m.RecordRelayDelivery("ok")
			m.RecordRelayDelivery("decode_error")
		})
	})

	t.Run("RecordBusMessage", func(t *testing.T) {
		assert.NotPanics(t, func() {
			m.RecordBusMessage("local")
			m.RecordBusMessage("relay")
		})
	})

	t.Run("RecordBusDrop", func(t *testing.T) {
		assert.NotPanics(t, func() {
			m.RecordBusDrop("full_buffer")
			m.RecordBusDrop("sequence_error")
		})
	})

	t.Run("UpdateBusStats", func(t *testing.T) {
		assert.NotPanics(t, func() {
			m.UpdateBusStats(3, 12)
			m.UpdateBusStats(0, 0)
		})
	})

	t.Run("UpdateWSSessions", func(t *testing.T) {
		assert.NotPanics(t, func() {
			m.UpdateWSSessions(5)
			m.UpdateWSSessions(0)
		})
	})

	t.Run("UpdateUptime", func(t *testing.T) {
		startTime := time.Now().Add(-time.Hour)
		assert.NotPanics(t, func() {
			m.UpdateUptime(startTime)
		})
	})

	t.Run("Handler", func(t *testing.T) {
		handler := m.Handler()
		assert.NotNil(t, handler)
	})

	t.Run("MetricsMiddleware", func(t *testing.T) {
		middleware := m.MetricsMiddleware()
		assert.NotNil(t, middleware)
	})
}
