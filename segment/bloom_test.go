// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duskwatch/blackbox/types"
)

func TestBloomHitAfterInsert(t *testing.T) {
	var b EventTypeBloom
	for i := 0; i < 10; i++ {
		b.Insert(types.TagSystemMetrics)
	}

	require.True(t, b.MightContain(types.TagSystemMetrics))
	require.False(t, b.MightContain(types.TagAnomaly))
}

func TestBloomEmptyFilterMatchesNothing(t *testing.T) {
	var b EventTypeBloom
	for tag := types.TagSystemMetrics; tag <= types.TagFileSystemEvent; tag++ {
		require.False(t, b.MightContain(tag))
	}
}

func TestBloomAllTagsDistinguishable(t *testing.T) {
	tags := []types.EventTag{
		types.TagSystemMetrics, types.TagProcessLifecycle, types.TagProcessSnapshot,
		types.TagSecurityEvent, types.TagAnomaly, types.TagFileSystemEvent,
	}
	for _, present := range tags {
		var b EventTypeBloom
		b.Insert(present)
		require.True(t, b.MightContain(present))
		for _, other := range tags {
			if other != present {
				require.False(t, b.MightContain(other))
			}
		}
	}
}
