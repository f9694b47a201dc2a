/*
PURPOSE (coordinator.go):
  Drives one node through the Follower -> Acquiring -> Leader cycle. Only
  the lease holder runs the accounting processor; everyone else waits and
  retries with jitter. On every processor iteration the coordinator renews
  the lease, and a failed renewal stops the processor immediately so two
  writers can never overlap.

SEE ALSO:
  - lease.go: the redis lease and published address
  - accounting/processor.go: the single-writer loop being guarded
*/
package leader

import (
	"context"
	"log"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/warp/allocation-engine/accounting"
)

// State is the coordinator's position in the election cycle.
type State int32

const (
	Follower State = iota
	Acquiring
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Acquiring:
		return "acquiring"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Config tunes the election protocol. Zero values take the defaults.
type Config struct {
	// LeaseTTL is the initial lease duration. Default 60s.
	LeaseTTL time.Duration
	// RenewBudget is how far each renewal extends the lease. It exceeds
	// LeaseTTL so a briefly stalled leader does not lose its seat between
	// iterations. Default 90s.
	RenewBudget time.Duration
	// RetryBase is the fixed part of the follower retry delay. Default 15s.
	RetryBase time.Duration
	// RetryJitter is the random extra added to RetryBase. Default 5s.
	RetryJitter time.Duration
	// DisableElection runs the processor unconditionally, for single-node
	// and development deployments without redis.
	DisableElection bool
}

func (c Config) withDefaults() Config {
	if c.LeaseTTL == 0 {
		c.LeaseTTL = 60 * time.Second
	}
	if c.RenewBudget == 0 {
		c.RenewBudget = 90 * time.Second
	}
	if c.RetryBase == 0 {
		c.RetryBase = 15 * time.Second
	}
	if c.RetryJitter == 0 {
		c.RetryJitter = 5 * time.Second
	}
	return c
}

// Coordinator runs the election loop around an accounting processor.
type Coordinator struct {
	lease     *Lease
	active    *ActiveState
	processor *accounting.Processor
	addr      string
	cfg       Config
	state     atomic.Int32
}

// NewCoordinator wires the election around proc. addr is this node's
// externally reachable address, published while it leads. client may be
// nil only when cfg.DisableElection is set.
func NewCoordinator(client Client, proc *accounting.Processor, addr string, cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	c := &Coordinator{processor: proc, addr: addr, cfg: cfg}
	if client != nil {
		c.lease = NewLease(client, "accounting-lease", cfg.LeaseTTL)
		c.active = NewActiveState(client, "accounting-active-processor", cfg.LeaseTTL)
	}
	return c
}

// State reports the current election state.
func (c *Coordinator) State() State { return State(c.state.Load()) }

// IsLeader reports whether this node currently runs the processor.
func (c *Coordinator) IsLeader() bool { return c.State() == Leader }

// ActiveAddress returns the published active-processor address, or "" when
// unknown. When this node leads it returns its own address.
func (c *Coordinator) ActiveAddress(ctx context.Context) (string, error) {
	if c.IsLeader() || c.active == nil {
		return c.addr, nil
	}
	return c.active.Current(ctx)
}

// Run participates in the election until ctx is cancelled. While leading
// it runs the processor; on exit it performs a final synchronize and
// releases the lease.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.state.Store(int32(Acquiring))
		ok, err := c.tryAcquire(ctx)
		if err != nil {
			log.Printf("[Leader] acquire failed: %v", err)
		}
		if !ok {
			c.state.Store(int32(Follower))
			if !c.waitRetry(ctx) {
				return ctx.Err()
			}
			continue
		}

		c.lead(ctx)

		if err := ctx.Err(); err != nil {
			return err
		}
		if !c.waitRetry(ctx) {
			return ctx.Err()
		}
	}
}

func (c *Coordinator) tryAcquire(ctx context.Context) (bool, error) {
	if c.cfg.DisableElection {
		return true, nil
	}
	return c.lease.Acquire(ctx)
}

// lead runs the processor until it stops, then hands the lease back.
func (c *Coordinator) lead(ctx context.Context) {
	c.state.Store(int32(Leader))
	electionsWon.Inc()
	log.Printf("[Leader] became leader, address %s", c.addr)
	c.publish(ctx)

	err := c.processor.Run(ctx, c.renew)
	if err != nil && ctx.Err() == nil {
		log.Printf("[Leader] processor stopped: %v", err)
	}

	// Final flush before anyone else can take over. The processor drains
	// its queue and forces a synchronization pass.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := c.processor.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Leader] shutdown sync failed: %v", err)
	}
	cancel()

	if !c.cfg.DisableElection {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.lease.Release(releaseCtx); err != nil {
			log.Printf("[Leader] lease release failed: %v", err)
		}
		cancel()
	}
	c.state.Store(int32(Follower))
	log.Printf("[Leader] stepped down")
}

// renew is invoked by the processor on every loop iteration. Returning
// false stops the processor.
func (c *Coordinator) renew(ctx context.Context) bool {
	if c.cfg.DisableElection {
		return true
	}
	ok, err := c.lease.Renew(ctx, c.cfg.RenewBudget)
	if err != nil {
		log.Printf("[Leader] renew failed: %v", err)
		renewFailures.Inc()
		return false
	}
	if !ok {
		log.Printf("[Leader] lease lost, stepping down")
		leasesLost.Inc()
		return false
	}
	renewals.Inc()
	c.publish(ctx)
	return true
}

func (c *Coordinator) publish(ctx context.Context) {
	if c.active == nil {
		return
	}
	if err := c.active.Publish(ctx, c.addr); err != nil {
		log.Printf("[Leader] address publish failed: %v", err)
	}
}

// waitRetry sleeps the jittered retry delay. Returns false when ctx was
// cancelled during the wait.
func (c *Coordinator) waitRetry(ctx context.Context) bool {
	delay := c.cfg.RetryBase
	if c.cfg.RetryJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(c.cfg.RetryJitter)))
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
