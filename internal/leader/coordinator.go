// Package leader elects at most one session per data directory to talk to
// the remote authority.
//
// The primary path holds an exclusive lock for as long as the session leads.
// When locks are unavailable or fail, sessions fall back to a lease stored in
// the local store and renewed by compare-and-swap.
package leader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/scriptorium/internal/broadcast"
	"github.com/starford/scriptorium/internal/localstore"
	"github.com/starford/scriptorium/internal/models"
)

// LeaseKey is the local-store key holding the fallback lease.
const LeaseKey = "scriptorium:leader:lease"

// Defaults.
const (
	DefaultLeaseDuration     = 5 * time.Second
	DefaultRenewInterval     = 1500 * time.Millisecond
	DefaultHeartbeatInterval = time.Second
	DefaultLockName          = "scriptorium-leader"
)

// Config tunes a Coordinator. Zero values select the defaults.
type Config struct {
	LeaseDuration     time.Duration
	RenewInterval     time.Duration
	HeartbeatInterval time.Duration
	LockName          string
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithID fixes the session id instead of a random UUID.
func WithID(id string) Option {
	return func(c *Coordinator) { c.id = id }
}

// Coordinator runs the election for one session.
type Coordinator struct {
	id     string
	cfg    Config
	locker Locker
	kv     localstore.KV
	bc     broadcast.Channel
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	leader     bool
	viaLease   bool
	leaseUntil int64
	listeners  map[int]func(bool)
	nextSub    int
	cancel     context.CancelFunc
	done       chan struct{}
	unsubBC    func()
	stopped    bool

	nudge chan struct{}
}

// New creates a Coordinator. locker may be nil to use only the lease; bc may
// be nil when no other session needs to hear about transitions.
func New(cfg Config, locker Locker, kv localstore.KV, bc broadcast.Channel, logger *slog.Logger, opts ...Option) *Coordinator {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = DefaultRenewInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.LockName == "" {
		cfg.LockName = DefaultLockName
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		cfg:       cfg,
		locker:    locker,
		kv:        kv,
		bc:        bc,
		now:       time.Now,
		listeners: make(map[int]func(bool)),
		nudge:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	c.logger = logger.With(slog.String("component", "leader"), slog.String("session", c.id))
	return c
}

// ID returns the session id used in leases and broadcasts.
func (c *Coordinator) ID() string { return c.id }

// IsLeader reports whether this session currently leads. A lease holder
// stops reporting leadership the moment its lease runs out, even before the
// next renewal notices.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.leader {
		return false
	}
	if c.viaLease && c.now().UnixMilli() >= c.leaseUntil {
		return false
	}
	return true
}

// Subscribe registers fn for leadership transitions. fn runs on the
// election goroutine.
func (c *Coordinator) Subscribe(fn func(isLeader bool)) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Start begins the election in the background. Calling Start twice or after
// Stop does nothing.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil || c.stopped {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	if c.bc != nil {
		c.unsubBC = c.bc.Subscribe(c.onBroadcast)
	}
	go c.run(runCtx)
}

// Stop ends the election, releases an owned lease and notifies listeners if
// this session was leading. It is idempotent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	cancel, done, unsub := c.cancel, c.done, c.unsubBC
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
		<-done
	}

	c.mu.Lock()
	c.listeners = make(map[int]func(bool))
	c.mu.Unlock()
}

func (c *Coordinator) onBroadcast(msg broadcast.Message) {
	if msg.From == c.id || msg.Type != broadcast.TypeLeaderChanged {
		return
	}
	select {
	case c.nudge <- struct{}{}:
	default:
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	if c.locker != nil {
		err := c.runLocked(ctx)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("lock election failed, using lease", slog.String("error", errString(err)))
	}
	c.runLease(ctx)
}

// runLocked leads for as long as the exclusive lock is held.
func (c *Coordinator) runLocked(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.setLeader(false, false, 0)
			err = fmt.Errorf("leader: lock panic: %v", r)
		}
	}()

	err = c.locker.Request(ctx, c.cfg.LockName, func(lockCtx context.Context) error {
		c.setLeader(true, false, 0)
		c.heartbeat(lockCtx)
		c.setLeader(false, false, 0)
		return nil
	})
	if err == nil && ctx.Err() == nil {
		err = errors.New("leader: lock released unexpectedly")
	}
	return err
}

func (c *Coordinator) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.publish(broadcast.TypeHeartbeat, c.id)
		}
	}
}

func (c *Coordinator) runLease(ctx context.Context) {
	renew := time.NewTicker(c.cfg.RenewInterval)
	defer renew.Stop()
	beat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer beat.Stop()

	c.leaseStep()
	for {
		select {
		case <-ctx.Done():
			c.releaseLease()
			return
		case <-renew.C:
			c.leaseStep()
		case <-c.nudge:
			c.leaseStep()
		case <-beat.C:
			if c.IsLeader() {
				c.publish(broadcast.TypeHeartbeat, c.id)
			}
		}
	}
}

// leaseStep renews an owned lease or tries to take an expired one.
func (c *Coordinator) leaseStep() {
	nowMs := c.now().UnixMilli()
	raw, ok, err := c.kv.Get(LeaseKey)
	if err != nil {
		c.logger.Warn("lease read failed", slog.String("error", err.Error()))
		c.setLeader(false, true, 0)
		return
	}
	cur, valid := decodeLease(raw)

	c.mu.Lock()
	leading := c.leader
	c.mu.Unlock()

	if leading {
		if !valid || cur.LeaderID != c.id {
			c.setLeader(false, true, 0)
			return
		}
		next := models.Lease{LeaderID: c.id, LeaseUntil: nowMs + c.cfg.LeaseDuration.Milliseconds()}
		swapped, err := c.kv.CompareAndSwap(LeaseKey, raw, encodeLease(next))
		if err != nil || !swapped {
			c.setLeader(false, true, 0)
			return
		}
		c.setLeader(true, true, next.LeaseUntil)
		return
	}

	if ok && valid && !cur.Expired(nowMs) && cur.LeaderID != c.id {
		return
	}

	prev := ""
	if ok {
		prev = raw
	}
	next := models.Lease{LeaderID: c.id, LeaseUntil: nowMs + c.cfg.LeaseDuration.Milliseconds()}
	encoded := encodeLease(next)
	swapped, err := c.kv.CompareAndSwap(LeaseKey, prev, encoded)
	if err != nil || !swapped {
		return
	}
	if confirm, _, err := c.kv.Get(LeaseKey); err != nil || confirm != encoded {
		return
	}
	c.setLeader(true, true, next.LeaseUntil)
}

// releaseLease expires an owned lease so followers can take over at once.
func (c *Coordinator) releaseLease() {
	c.setLeader(false, true, 0)
	raw, ok, err := c.kv.Get(LeaseKey)
	if err == nil && ok {
		if cur, valid := decodeLease(raw); valid && cur.LeaderID == c.id {
			expired := encodeLease(models.Lease{LeaderID: c.id, LeaseUntil: 0})
			if _, err := c.kv.CompareAndSwap(LeaseKey, raw, expired); err != nil {
				c.logger.Debug("lease release failed", slog.String("error", err.Error()))
			}
		}
	}
}

// setLeader records the state and notifies on transitions.
func (c *Coordinator) setLeader(v, viaLease bool, leaseUntil int64) {
	c.mu.Lock()
	changed := c.leader != v
	c.leader = v
	c.viaLease = viaLease
	c.leaseUntil = leaseUntil
	var listeners []func(bool)
	if changed {
		for _, fn := range c.listeners {
			listeners = append(listeners, fn)
		}
	}
	c.mu.Unlock()

	if !changed {
		return
	}
	c.logger.Info("leadership changed", slog.Bool("leader", v))
	leaderID := ""
	if v {
		leaderID = c.id
	}
	c.publish(broadcast.TypeLeaderChanged, leaderID)
	for _, fn := range listeners {
		fn(v)
	}
}

func (c *Coordinator) publish(kind, leaderID string) {
	if c.bc == nil {
		return
	}
	msg := broadcast.Message{Type: kind, From: c.id, Leader: leaderID, At: c.now().UnixMilli()}
	if err := c.bc.Publish(msg); err != nil {
		c.logger.Debug("broadcast failed", slog.String("error", err.Error()))
	}
}

func decodeLease(raw string) (models.Lease, bool) {
	if raw == "" {
		return models.Lease{}, false
	}
	var l models.Lease
	if err := json.Unmarshal([]byte(raw), &l); err != nil || l.LeaderID == "" {
		return models.Lease{}, false
	}
	return l, true
}

func encodeLease(l models.Lease) string {
	data, _ := json.Marshal(l)
	return string(data)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
