package scheduler

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/italolelis/mirror_downloader/internal/slot"
)

const (
	poolKindRepository = "repository"
	poolKindServer     = "server"
)

// RepositoryContext holds the slot pool of one repository within a batch.
type RepositoryContext struct {
	ID   string
	Pool *slot.Pool

	mu    sync.Mutex
	hosts map[string]struct{}
}

func (r *RepositoryContext) addHost(host string) {
	r.mu.Lock()
	r.hosts[host] = struct{}{}
	r.mu.Unlock()
}

// Hosts returns the mirror hosts seen for the repository, sorted.
func (r *RepositoryContext) Hosts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	hosts := make([]string, 0, len(r.hosts))
	for h := range r.hosts {
		hosts = append(hosts, h)
	}

	sort.Strings(hosts)

	return hosts
}

// ServerContext holds the slot pool and health of one mirror host. It is
// shared by every repository served from that host.
type ServerContext struct {
	Host string
	Pool *slot.Pool

	consecutive atomic.Int64
	failures    atomic.Int64
}

// Healthy reports whether the host is below the consecutive-failure threshold.
func (s *ServerContext) Healthy(threshold int) bool {
	return s.consecutive.Load() < int64(threshold)
}

// Failures returns the number of attempts charged to the host in this batch.
func (s *ServerContext) Failures() int {
	return int(s.failures.Load())
}

// ConsecutiveFailures returns the failures since the last success.
func (s *ServerContext) ConsecutiveFailures() int {
	return int(s.consecutive.Load())
}

func (s *ServerContext) recordFailure() int {
	s.failures.Add(1)

	return int(s.consecutive.Add(1))
}

func (s *ServerContext) recordSuccess() {
	s.consecutive.Store(0)
}

// registry creates repository and server contexts on first use. One registry
// lives for exactly one batch.
type registry struct {
	limits   Limits
	observer slot.Observer

	mu           sync.Mutex
	repositories map[string]*RepositoryContext
	servers      map[string]*ServerContext
	repoOrder    []string
	serverOrder  []string
}

func newRegistry(limits Limits, observer slot.Observer) *registry {
	return &registry{
		limits:       limits,
		observer:     observer,
		repositories: make(map[string]*RepositoryContext),
		servers:      make(map[string]*ServerContext),
	}
}

func (r *registry) repository(id string) (*RepositoryContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if repo, ok := r.repositories[id]; ok {
		return repo, nil
	}

	pool, err := slot.New(id, r.limits.RepositoryCapacity(), r.poolOptions(poolKindRepository)...)
	if err != nil {
		return nil, err
	}

	repo := &RepositoryContext{ID: id, Pool: pool, hosts: make(map[string]struct{})}
	r.repositories[id] = repo
	r.repoOrder = append(r.repoOrder, id)

	return repo, nil
}

func (r *registry) server(host string) (*ServerContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if srv, ok := r.servers[host]; ok {
		return srv, nil
	}

	pool, err := slot.New(host, r.limits.ServerCapacity(), r.poolOptions(poolKindServer)...)
	if err != nil {
		return nil, err
	}

	srv := &ServerContext{Host: host, Pool: pool}
	r.servers[host] = srv
	r.serverOrder = append(r.serverOrder, host)

	return srv, nil
}

func (r *registry) poolOptions(kind string) []slot.Option {
	opts := []slot.Option{slot.WithKind(kind)}
	if r.observer != nil {
		opts = append(opts, slot.WithObserver(r.observer))
	}

	return opts
}

// ServerStats is a snapshot of one mirror host after a batch.
type ServerStats struct {
	Host                string `json:"host"`
	Capacity            int    `json:"capacity"`
	Peak                int    `json:"peak"`
	Failures            int    `json:"failures"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// RepositoryStats is a snapshot of one repository after a batch.
type RepositoryStats struct {
	ID       string   `json:"id"`
	Capacity int      `json:"capacity"`
	Peak     int      `json:"peak"`
	Hosts    []string `json:"hosts"`
}

func (r *registry) stats() ([]RepositoryStats, []ServerStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	repos := make([]RepositoryStats, 0, len(r.repoOrder))
	for _, id := range r.repoOrder {
		repo := r.repositories[id]
		repos = append(repos, RepositoryStats{
			ID:       id,
			Capacity: repo.Pool.Capacity(),
			Peak:     repo.Pool.Peak(),
			Hosts:    repo.Hosts(),
		})
	}

	servers := make([]ServerStats, 0, len(r.serverOrder))
	for _, host := range r.serverOrder {
		srv := r.servers[host]
		servers = append(servers, ServerStats{
			Host:                host,
			Capacity:            srv.Pool.Capacity(),
			Peak:                srv.Pool.Peak(),
			Failures:            srv.Failures(),
			ConsecutiveFailures: srv.ConsecutiveFailures(),
		})
	}

	return repos, servers
}
