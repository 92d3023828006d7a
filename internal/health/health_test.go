package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(context.Context) Status { return Status{Healthy: true} }

func TestCheckAll_Empty(t *testing.T) {
	ok, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, ok)
	assert.Empty(t, statuses)
}

func TestCheckAll_KeepsRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("database", healthy)
	r.Register("gateway", func(context.Context) Status {
		time.Sleep(10 * time.Millisecond)
		return Status{Healthy: true, Detail: "circuit closed"}
	})

	ok, statuses := r.CheckAll(context.Background())
	assert.True(t, ok)
	require.Len(t, statuses, 2)
	assert.Equal(t, "database", statuses[0].Name)
	assert.Equal(t, "gateway", statuses[1].Name)
	assert.Equal(t, "circuit closed", statuses[1].Detail)
}

func TestCheckAll_UnhealthyCheckFailsRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("database", healthy)
	r.Register("gateway", func(context.Context) Status {
		return Status{Healthy: false, Detail: "circuit open"}
	})

	ok, statuses := r.CheckAll(context.Background())
	assert.False(t, ok)
	assert.False(t, statuses[1].Healthy)
}

func TestCheckAll_OptionalCheckIsReportedOnly(t *testing.T) {
	r := NewRegistry()
	r.Register("database", healthy)
	r.RegisterOptional("reconciler", func(context.Context) Status {
		return Status{Healthy: false, Detail: "not running"}
	})

	ok, statuses := r.CheckAll(context.Background())
	assert.True(t, ok)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[1].Optional)
	assert.False(t, statuses[1].Healthy)
}

func TestCheckAll_RunsInParallel(t *testing.T) {
	r := NewRegistry()
	var running, peak atomic.Int32
	for _, name := range []string{"a", "b", "c"} {
		r.Register(name, func(context.Context) Status {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return Status{Healthy: true}
		})
	}

	ok, _ := r.CheckAll(context.Background())
	assert.True(t, ok)
	assert.Greater(t, peak.Load(), int32(1))
}

func TestCheckAll_SlowCheckerTimesOut(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	r.Register("gateway", func(ctx context.Context) Status {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return Status{Healthy: true}
	})
	r.Register("database", healthy)

	ok, statuses := r.CheckAll(context.Background())
	assert.False(t, ok)
	assert.Equal(t, "check timed out", statuses[0].Detail)
	assert.Equal(t, "database", statuses[1].Name)
}
