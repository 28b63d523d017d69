package wallets

import (
	"context"
	"sync"
	"time"

	"github.com/Satisfyguy/escrowd/internal/syncutil"
	"github.com/Satisfyguy/escrowd/internal/walletrpc"
)

// Endpoint is one wallet-rpc process from the configured pool. An endpoint
// holds exactly one open wallet file at a time, so every RPC sequence
// against it runs under the pool's per-endpoint lock.
type Endpoint struct {
	URL    string
	Client *walletrpc.Client

	mu         sync.Mutex
	openWallet string    // wallet file currently active on the process
	lastCall   time.Time // when the previous call on this endpoint finished
}

// OpenWalletName returns the wallet file the endpoint currently has active,
// or "" if none.
func (e *Endpoint) OpenWalletName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openWallet
}

func (e *Endpoint) setOpenWallet(name string) {
	e.mu.Lock()
	e.openWallet = name
	e.mu.Unlock()
}

func (e *Endpoint) touchLastCall() {
	e.mu.Lock()
	e.lastCall = time.Now()
	e.mu.Unlock()
}

func (e *Endpoint) sinceLastCall() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastCall.IsZero() {
		return time.Hour
	}
	return time.Since(e.lastCall)
}

// Pool is the fixed set of wallet-rpc endpoints, allocated round-robin.
// Only the cursor is guarded by the pool mutex; I/O against an endpoint is
// serialized separately per endpoint so unrelated escrows don't block each
// other on allocation.
type Pool struct {
	endpoints []*Endpoint
	locks     *syncutil.ContextShardedMutex

	mu     sync.Mutex
	cursor int
}

// NewPool creates a pool from endpoint base URLs.
func NewPool(urls []string, opts walletrpc.Options) *Pool {
	eps := make([]*Endpoint, 0, len(urls))
	for _, u := range urls {
		eps = append(eps, &Endpoint{
			URL:    u,
			Client: walletrpc.New(u, opts),
		})
	}
	return &Pool{
		endpoints: eps,
		locks:     syncutil.NewContextShardedMutex(),
	}
}

// Next allocates the next endpoint round-robin. The cursor mutation is the
// only thing under the pool lock.
func (p *Pool) Next() (*Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.endpoints) == 0 {
		return nil, ErrNoAvailableEndpoint
	}
	ep := p.endpoints[p.cursor%len(p.endpoints)]
	p.cursor++
	return ep, nil
}

// Acquire locks an endpoint for exclusive use, respecting ctx cancellation.
// The returned release function must be called when done.
func (p *Pool) Acquire(ctx context.Context, ep *Endpoint) (func(), error) {
	return p.locks.LockContext(ctx, ep.URL)
}

// Endpoint looks up a configured endpoint by URL. Used when rebinding
// recovered wallet instances after a restart.
func (p *Pool) Endpoint(url string) (*Endpoint, bool) {
	for _, ep := range p.endpoints {
		if ep.URL == url {
			return ep, true
		}
	}
	return nil, false
}

// Size returns the number of configured endpoints.
func (p *Pool) Size() int {
	return len(p.endpoints)
}

// Stats summarizes pool occupancy: an endpoint is busy while it has a
// wallet file open.
func (p *Pool) Stats() PoolStats {
	s := PoolStats{Total: len(p.endpoints)}
	for _, ep := range p.endpoints {
		if ep.OpenWalletName() != "" {
			s.Busy++
		}
	}
	s.Free = s.Total - s.Busy
	return s
}

// PoolStats reports endpoint occupancy.
type PoolStats struct {
	Total int `json:"total"`
	Free  int `json:"free"`
	Busy  int `json:"busy"`
}
