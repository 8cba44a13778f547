package admission

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/repo-scout/internal/store"
)

// BucketStore persists actor token counts across process restarts.
type BucketStore interface {
	GetBucket(ctx context.Context, clientID string) (*store.BucketState, error)
	PutBucket(ctx context.Context, state store.BucketState) error
}

// ActorConfig tunes the durable bucket behavior.
type ActorConfig struct {
	// Capacity is the maximum token count (and the lazy-init value for
	// clients with no persisted state).
	Capacity int
	// RefillAmount tokens are added on each scheduled wake-up, bounded
	// by Capacity.
	RefillAmount int
	// RefillInterval is the delay between wake-ups while below capacity.
	RefillInterval time.Duration
}

// DefaultActorConfig returns the standard durable-bucket settings.
func DefaultActorConfig() ActorConfig {
	return ActorConfig{
		Capacity:       10,
		RefillAmount:   1,
		RefillInterval: 6 * time.Second,
	}
}

// Registry owns one durable bucket actor per client identifier, looked
// up by key. All token state for a client is read and written by that
// client's single actor goroutine, so no request can observe a torn or
// lost update.
type Registry struct {
	mu     sync.Mutex
	actors map[string]*actor
	store  BucketStore
	cfg    ActorConfig
}

// NewRegistry creates an empty actor registry.
func NewRegistry(st BucketStore, cfg ActorConfig) *Registry {
	if cfg.Capacity <= 0 {
		cfg = DefaultActorConfig()
	}
	return &Registry{
		actors: make(map[string]*actor),
		store:  st,
		cfg:    cfg,
	}
}

// Take consumes one token from the client's durable bucket. A zero wait
// means the request is admitted; a positive wait is the time remaining
// until the next scheduled refill.
func (r *Registry) Take(ctx context.Context, clientID string) (time.Duration, error) {
	r.mu.Lock()
	a, ok := r.actors[clientID]
	if !ok {
		a = newActor(clientID, r.store, r.cfg)
		r.actors[clientID] = a
	}
	r.mu.Unlock()

	return a.take(ctx)
}

// Close stops all actor wake-up timers.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.actors {
		close(a.quit)
	}
	r.actors = make(map[string]*actor)
}

type takeRequest struct {
	ctx   context.Context
	reply chan takeReply
}

type takeReply struct {
	wait time.Duration
	err  error
}

// actor is one durable bucket. Its goroutine is the sole reader and
// writer of the token count: every request and every refill is one
// message through the mailbox.
type actor struct {
	clientID string
	store    BucketStore
	cfg      ActorConfig

	mailbox chan takeRequest
	refill  chan struct{}
	quit    chan struct{}
}

func newActor(clientID string, st BucketStore, cfg ActorConfig) *actor {
	a := &actor{
		clientID: clientID,
		store:    st,
		cfg:      cfg,
		mailbox:  make(chan takeRequest),
		refill:   make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *actor) take(ctx context.Context) (time.Duration, error) {
	req := takeRequest{ctx: ctx, reply: make(chan takeReply, 1)}
	select {
	case a.mailbox <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case rep := <-req.reply:
		return rep.wait, rep.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (a *actor) run() {
	var (
		tokens       = -1 // -1 = not yet loaded
		alarm        *time.Timer
		nextRefillAt time.Time
	)

	stopAlarm := func() {
		if alarm != nil {
			alarm.Stop()
			alarm = nil
		}
	}

	// ensureAlarm schedules the next wake-up if none is pending. The
	// bucket stops waking itself once full, so a fresh alarm is needed
	// whenever tokens drop below capacity.
	ensureAlarm := func() {
		if alarm != nil || tokens >= a.cfg.Capacity {
			return
		}
		nextRefillAt = time.Now().Add(a.cfg.RefillInterval)
		alarm = time.AfterFunc(a.cfg.RefillInterval, func() {
			select {
			case a.refill <- struct{}{}:
			case <-a.quit:
			}
		})
	}

	persist := func(ctx context.Context) error {
		return a.store.PutBucket(ctx, store.BucketState{
			ClientID: a.clientID,
			Tokens:   tokens,
		})
	}

	for {
		select {
		case req := <-a.mailbox:
			if tokens < 0 {
				state, err := a.store.GetBucket(req.ctx, a.clientID)
				if err != nil {
					req.reply <- takeReply{err: err}
					continue
				}
				if state == nil {
					// No persisted state: lazily initialize full.
					tokens = a.cfg.Capacity
				} else {
					tokens = state.Tokens
				}
			}

			ensureAlarm()

			if tokens > 0 {
				tokens--
				if err := persist(req.ctx); err != nil {
					tokens++
					req.reply <- takeReply{err: err}
					continue
				}
				ensureAlarm()
				req.reply <- takeReply{wait: 0}
				continue
			}

			wait := time.Until(nextRefillAt)
			if wait < 0 {
				wait = 0
			}
			req.reply <- takeReply{wait: wait}

		case <-a.refill:
			alarm = nil
			if tokens < 0 {
				// Evicted state never reached a request yet; nothing to refill.
				continue
			}
			tokens += a.cfg.RefillAmount
			if tokens > a.cfg.Capacity {
				tokens = a.cfg.Capacity
			}
			if err := persist(context.Background()); err != nil {
				zap.L().Warn("admission: persist refill failed",
					zap.String("client_id", a.clientID),
					zap.Error(err),
				)
			}
			// Reschedule only while below capacity; a full bucket stays quiet.
			ensureAlarm()

		case <-a.quit:
			stopAlarm()
			return
		}
	}
}
