package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"worktally/pkg/logger"
)

// Channels raised by triggers in the central database. The payload is the
// tenant ID.
const (
	ChannelTenantChanged       = "tenant_changed"
	ChannelSubscriptionChanged = "subscription_changed"
)

// InvalidationListener is called for every notification.
type InvalidationListener func(ctx context.Context, channel, tenantID string)

// ChangeListener delivers PostgreSQL NOTIFY events about tenants and
// subscriptions to in-process caches: the pool manager, the Redis registry
// cache and the plan feature cache.
type ChangeListener struct {
	pool *pgxpool.Pool

	listeners   []InvalidationListener
	listenersMu sync.RWMutex

	lifecycleMu sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
}

// NewChangeListener creates a listener on the central pool.
func NewChangeListener(pool *pgxpool.Pool) *ChangeListener {
	return &ChangeListener{pool: pool}
}

// Subscribe registers fn. Must be called before Start.
func (c *ChangeListener) Subscribe(fn InvalidationListener) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

// Start begins listening in the background.
func (c *ChangeListener) Start(ctx context.Context) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.started {
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.started = true

	c.wg.Add(1)
	go c.listenLoop()
	logger.Info(c.ctx, "change listener started")
}

// Stop waits for the listener goroutine to exit.
func (c *ChangeListener) Stop() {
	c.lifecycleMu.Lock()
	if !c.started {
		c.lifecycleMu.Unlock()
		return
	}
	cancel := c.cancel
	c.started = false
	c.cancel = nil
	c.lifecycleMu.Unlock()

	cancel()
	c.wg.Wait()
}

func (c *ChangeListener) listenLoop() {
	defer c.wg.Done()

	for c.ctx.Err() == nil {
		conn, err := c.pool.Acquire(c.ctx)
		if err != nil {
			logger.Error(c.ctx, "failed to acquire connection for LISTEN", "error", err)
			c.sleep(time.Second)
			continue
		}

		_, err = conn.Exec(c.ctx, "LISTEN "+ChannelTenantChanged+"; LISTEN "+ChannelSubscriptionChanged+";")
		if err != nil {
			logger.Error(c.ctx, "failed to LISTEN", "error", err)
			conn.Release()
			c.sleep(time.Second)
			continue
		}

		c.waitForNotifications(conn)
		conn.Release()
	}
}

func (c *ChangeListener) sleep(d time.Duration) {
	select {
	case <-c.ctx.Done():
	case <-time.After(d):
	}
}

func (c *ChangeListener) waitForNotifications(conn *pgxpool.Conn) {
	for c.ctx.Err() == nil {
		// Bounded wait so a dead connection is noticed and replaced.
		ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
		n, err := conn.Conn().WaitForNotification(ctx)
		cancel()

		if err != nil {
			if c.ctx.Err() != nil || ctx.Err() == nil {
				// shutting down, or the connection broke
				return
			}
			continue
		}
		c.dispatch(c.ctx, n.Channel, n.Payload)
	}
}

// dispatch runs listeners sequentially; a panicking listener does not stop the rest.
func (c *ChangeListener) dispatch(ctx context.Context, channel, payload string) {
	tenantID := strings.TrimSpace(payload)
	if tenantID == "" {
		return
	}
	logger.Debug(ctx, "change notification", "channel", channel, "tenant_id", tenantID)

	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	for _, listener := range c.listeners {
		func(l InvalidationListener) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error(ctx, "listener panic recovered", "channel", channel, "panic", r)
				}
			}()
			l(ctx, channel, tenantID)
		}(listener)
	}
}
