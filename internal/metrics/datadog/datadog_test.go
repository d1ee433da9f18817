package datadog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HDRUK/RDMP-sub001/internal/metrics"
)

type recorded struct {
	name  string
	value float64
	tags  []string
}

type fakeClient struct {
	counts []recorded
	hists  []recorded
	closed bool
}

func (f *fakeClient) Count(name string, value int64, tags []string, _ float64) error {
	f.counts = append(f.counts, recorded{name, float64(value), tags})
	return nil
}

func (f *fakeClient) Histogram(name string, value float64, tags []string, _ float64) error {
	f.hists = append(f.hists, recorded{name, value, tags})
	return nil
}

func (f *fakeClient) Close() error { f.closed = true; return nil }

func TestNewBackendRequiresAddr(t *testing.T) {
	t.Parallel()
	_, err := NewBackend(Config{})
	require.Error(t, err)
}

func TestForwardsWithSortedTags(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	b := &Backend{client: fc}

	b.IncCounter(metrics.RowsTotal, 3, metrics.Labels{"table": "people", "kind": "discarded"})
	b.ObserveHistogram(metrics.StageDuration, 0.25, metrics.Labels{"stage": "attach"})
	require.NoError(t, b.Flush())

	require.Len(t, fc.counts, 1)
	assert.Equal(t, []string{"kind:discarded", "table:people"}, fc.counts[0].tags)
	assert.Equal(t, float64(3), fc.counts[0].value)
	require.Len(t, fc.hists, 1)
	assert.Equal(t, []string{"stage:attach"}, fc.hists[0].tags)
	assert.True(t, fc.closed)
}

func TestNilClientIsSafe(t *testing.T) {
	t.Parallel()
	b := &Backend{}
	b.IncCounter("x", 1, nil)
	b.ObserveHistogram("x", 1, nil)
	assert.NoError(t, b.Flush())
	assert.Nil(t, labelsToTags(nil))
}
