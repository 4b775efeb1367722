// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package shardpool_test

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	shardpool "github.com/buke/js-shardpool"
	"github.com/stretchr/testify/require"
)

// counterScript keeps a per-key counter in the context, so a result shows how
// many tasks with the same key the same context has seen.
var counterScript = &shardpool.Script{
	FileName: "counter.js",
	Content: `
var seen = {};
var goCallJs = {
	onReceiveBattleRsp: function (key, payload) {
		seen[key] = (seen[key] || 0) + 1;
		return key + ":" + seen[key] + ":" + payload;
	}
};
`,
}

// runShardedCounter submits interleaved tasks for several keys and checks that
// every key is served by one context, in submission order.
func runShardedCounter(t *testing.T, opts ...shardpool.Option) {
	t.Helper()

	reports := make(chan shardpool.BatchReport, 1)
	opts = append([]shardpool.Option{
		shardpool.WithEntryPoint("goCallJs.onReceiveBattleRsp"),
		shardpool.WithStrictStartup(true),
		shardpool.WithLogger(nil),
		shardpool.WithBatchHook(func(r shardpool.BatchReport) { reports <- r }),
	}, opts...)
	d, err := shardpool.Create(3, counterScript, opts...)
	require.NoError(t, err)
	defer d.Release()

	const (
		keys    = 7
		perKey  = 40
		total   = keys * perKey
		pingKey = 100
	)

	var (
		mu    sync.Mutex
		byKey = make(map[int][]string)
		pings int
	)
	d.StartStat(total)
	for i := 0; i < perKey; i++ {
		for k := 0; k < keys; k++ {
			d.Submit(fmt.Sprintf("p%d", i), uint32(k), func(text string) {
				parts := strings.SplitN(text, ":", 3)
				key, _ := strconv.Atoi(parts[0])
				mu.Lock()
				byKey[key] = append(byKey[key], parts[1]+":"+parts[2])
				mu.Unlock()
			})
		}
	}
	d.Submit("", pingKey, func(text string) {
		mu.Lock()
		pings++
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		d.Deliver()
		st := d.Stats()
		return st.Completed == total+1 && d.Pending() == 0
	}, 10*time.Second, 5*time.Millisecond)
	d.Deliver()

	select {
	case r := <-reports:
		require.Equal(t, total, r.Tasks)
	case <-time.After(time.Second):
		t.Fatal("batch report not received")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, pings)
	require.Len(t, byKey, keys)
	for k, seq := range byKey {
		require.Len(t, seq, perKey, "key %d", k)
		for i, got := range seq {
			require.Equal(t, fmt.Sprintf("%d:p%d", i+1, i), got, "key %d", k)
		}
	}
	require.Zero(t, d.Stats().Failed)
}
