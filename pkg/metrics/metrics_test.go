/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volcano-sh/sandboxkeeper/pkg/common/types"
)

func TestRegisterCacheCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	stats := types.CacheStats{TotalEntries: 5, ValidEntries: 3, ExpiredEntries: 2}

	require.NoError(t, RegisterCacheCollectors(reg, func() types.CacheStats { return stats }))
	// registering again is tolerated
	require.NoError(t, RegisterCacheCollectors(reg, func() types.CacheStats { return stats }))

	count, err := testutil.GatherAndCount(reg, "sandboxkeeper_cache_entries", "sandboxkeeper_cache_valid_entries")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		values[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue()
	}
	assert.Equal(t, float64(5), values["sandboxkeeper_cache_entries"])
	assert.Equal(t, float64(3), values["sandboxkeeper_cache_valid_entries"])
}

func TestCollectorsRegistered(t *testing.T) {
	before := testutil.ToFloat64(Resolves.WithLabelValues(string(types.SourceCache)))
	Resolves.WithLabelValues(string(types.SourceCache)).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Resolves.WithLabelValues(string(types.SourceCache))))

	assert.Error(t, prometheus.Register(CreateAttempts), "collector must already be registered by init")
}
