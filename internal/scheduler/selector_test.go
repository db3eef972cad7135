package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/mirror_downloader/internal/slot"
)

func newTestAttempt(t *testing.T, limits Limits, hosts ...string) (*attempt, *registry) {
	t.Helper()

	reg := newRegistry(limits, nil)

	repo, err := reg.repository("base")
	require.NoError(t, err)

	a := &attempt{repo: repo, tried: make([]bool, len(hosts))}

	for _, h := range hosts {
		srv, err := reg.server(h)
		require.NoError(t, err)

		a.servers = append(a.servers, srv)
		a.req.Mirrors = append(a.req.Mirrors, "http://"+h+"/base/foo.rpm")
	}

	return a, reg
}

func TestLimits_Capacities(t *testing.T) {
	tests := []struct {
		name       string
		limits     Limits
		server     int
		repository int
	}{
		{name: "defaults", limits: DefaultLimits(), server: 4, repository: 8},
		{name: "repository below cap", limits: Limits{MaxThreads: 20, ThreadsPerServer: 2, ServersPerRepo: 3}, server: 2, repository: 6},
		{name: "server clamped", limits: Limits{MaxThreads: 2, ThreadsPerServer: 5, ServersPerRepo: 1}, server: 2, repository: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.limits.Validate())
			assert.Equal(t, tt.server, tt.limits.ServerCapacity())
			assert.Equal(t, tt.repository, tt.limits.RepositoryCapacity())
		})
	}
}

func TestLimits_Validate(t *testing.T) {
	tests := []struct {
		field  string
		mutate func(*Limits)
	}{
		{"max_threads", func(l *Limits) { l.MaxThreads = 0 }},
		{"threads_per_server", func(l *Limits) { l.ThreadsPerServer = -1 }},
		{"servers_per_repo", func(l *Limits) { l.ServersPerRepo = 0 }},
		{"dl_timeout", func(l *Limits) { l.ConnectTimeout = -time.Second }},
		{"socket_timeout", func(l *Limits) { l.StallTimeout = -time.Second }},
		{"mirror_failure_threshold", func(l *Limits) { l.FailureThreshold = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			l := DefaultLimits()
			tt.mutate(&l)

			var cfgErr *ConfigurationError
			require.ErrorAs(t, l.Validate(), &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}

	assert.Equal(t, DefaultFailureThreshold, Limits{}.failureThreshold())
}

func TestSelectMirror_PreservesCandidateOrder(t *testing.T) {
	a, _ := newTestAttempt(t, testLimits(8, 2, 2), "a.example.org", "b.example.org")

	pair, err := slot.AcquireRepository(context.Background(), a.repo.Pool)
	require.NoError(t, err)

	idx, sel := selectMirror(a, pair, DefaultFailureThreshold)
	assert.Equal(t, SelectOK, sel)
	assert.Equal(t, 0, idx)
	assert.Same(t, a.servers[0].Pool, pair.Server())

	require.NoError(t, pair.Release())
	assert.Equal(t, 0, a.servers[0].Pool.Occupied())
}

func TestSelectMirror_WaitWhenSaturated(t *testing.T) {
	a, _ := newTestAttempt(t, testLimits(8, 1, 2), "a.example.org", "b.example.org")

	require.True(t, a.servers[0].Pool.TryAcquire())
	require.True(t, a.servers[1].Pool.TryAcquire())

	pair, err := slot.AcquireRepository(context.Background(), a.repo.Pool)
	require.NoError(t, err)

	idx, sel := selectMirror(a, pair, DefaultFailureThreshold)
	assert.Equal(t, SelectWait, sel)
	assert.Equal(t, -1, idx)
	assert.False(t, ready(a, DefaultFailureThreshold))

	require.NoError(t, a.servers[1].Pool.Release())
	assert.True(t, ready(a, DefaultFailureThreshold))

	idx, sel = selectMirror(a, pair, DefaultFailureThreshold)
	assert.Equal(t, SelectOK, sel)
	assert.Equal(t, 1, idx)

	require.NoError(t, pair.Release())
}

func TestSelectMirror_ExhaustedSkipsTriedAndUnhealthy(t *testing.T) {
	a, _ := newTestAttempt(t, testLimits(8, 1, 2), "a.example.org", "b.example.org")

	a.tried[0] = true
	a.servers[1].recordFailure()
	a.servers[1].recordFailure()

	pair, err := slot.AcquireRepository(context.Background(), a.repo.Pool)
	require.NoError(t, err)

	_, sel := selectMirror(a, pair, 2)
	assert.Equal(t, SelectExhausted, sel)
	assert.True(t, ready(a, 2), "exhausted requests are ready to be settled")

	_, sel = selectMirror(a, pair, 3)
	assert.Equal(t, SelectOK, sel, "still healthy under a higher threshold")

	require.NoError(t, pair.Release())
}

func TestServerContext_SuccessResetsConsecutiveFailures(t *testing.T) {
	_, reg := newTestAttempt(t, DefaultLimits(), "a.example.org")

	srv, err := reg.server("a.example.org")
	require.NoError(t, err)

	assert.Equal(t, 1, srv.recordFailure())
	assert.Equal(t, 2, srv.recordFailure())
	assert.False(t, srv.Healthy(2))

	srv.recordSuccess()
	assert.True(t, srv.Healthy(2))
	assert.Equal(t, 2, srv.Failures())
	assert.Equal(t, 0, srv.ConsecutiveFailures())
}

func TestReady_RepositoryFull(t *testing.T) {
	a, _ := newTestAttempt(t, testLimits(1, 1, 1), "a.example.org")

	require.True(t, a.repo.Pool.TryAcquire())
	assert.False(t, ready(a, DefaultFailureThreshold))

	require.NoError(t, a.repo.Pool.Release())
	assert.True(t, ready(a, DefaultFailureThreshold))
}
