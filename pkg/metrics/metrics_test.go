package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveBackend(t *testing.T) {
	ok := BackendOperationsTotal.WithLabelValues("test", "list", "success")
	failed := BackendOperationsTotal.WithLabelValues("test", "list", "error")
	okBefore := testutil.ToFloat64(ok)
	failedBefore := testutil.ToFloat64(failed)

	ObserveBackend("test", "list", time.Now(), nil)
	ObserveBackend("test", "list", time.Now(), errors.New("boom"))
	ObserveBackend("test", "list", time.Now(), nil)

	assert.Equal(t, okBefore+2, testutil.ToFloat64(ok))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(failed))
}

func TestConnectionGauges(t *testing.T) {
	g := ConnectionsCurrent.WithLabelValues("test")
	before := testutil.ToFloat64(g)
	g.Inc()
	g.Inc()
	g.Dec()
	assert.Equal(t, before+1, testutil.ToFloat64(g))
}
