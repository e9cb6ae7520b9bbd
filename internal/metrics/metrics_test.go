package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordVenueCall(t *testing.T) {
	before := testutil.ToFloat64(VenueCalls.WithLabelValues("paper", "place_order", "error"))
	RecordVenueCall("paper", "place_order", 10*time.Millisecond, errors.New("boom"))
	after := testutil.ToFloat64(VenueCalls.WithLabelValues("paper", "place_order", "error"))
	assert.Equal(t, before+1, after)
}

func TestInitIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Init()
		Init()
	})
}

func TestSetPaused(t *testing.T) {
	SetPaused(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(Paused))
	SetPaused(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(Paused))
}
