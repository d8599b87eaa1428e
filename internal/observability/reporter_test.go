package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogReporter_SuppressesRepeats(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := NewLogReporter(zap.New(core))

	r.Progress("research", 1, 60)
	r.Progress("research", 1, 60)
	r.Progress("research", 2, 60)
	r.Progress("stabilizing", 0, 0)

	entries := logs.All()
	assert.Len(t, entries, 3)
	assert.Equal(t, "research", entries[0].ContextMap()["stage"])
	assert.Equal(t, int64(60), entries[0].ContextMap()["total"])
	assert.NotContains(t, entries[2].ContextMap(), "total")
}

func TestReporterFunc(t *testing.T) {
	var got []int
	var r Reporter = ReporterFunc(func(_ string, index, _ int) { got = append(got, index) })
	r.Progress("images", 1, 2)
	r.Progress("images", 2, 2)
	assert.Equal(t, []int{1, 2}, got)

	NopReporter{}.Progress("anything", 0, 0)
}
