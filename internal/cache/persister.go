package cache

import (
	"time"

	"go.uber.org/zap"

	"github.com/bazaarlab/notisync/internal/store"
	"github.com/bazaarlab/notisync/pkg/logger"
)

const defaultFlushDelay = 2 * time.Second

// Persister mirrors store changes into the offline cache. Writes are
// debounced so a burst of push events produces one snapshot write.
type Persister struct {
	cache      *Cache
	store      *store.Store
	userID     string
	flushDelay time.Duration
	stop       chan struct{}
	done       chan struct{}
	log        *zap.Logger
}

// NewPersister constructs a persister for the supplied session.
func NewPersister(c *Cache, st *store.Store, userID string, flushDelay time.Duration) *Persister {
	if flushDelay <= 0 {
		flushDelay = defaultFlushDelay
	}
	return &Persister{
		cache:      c,
		store:      st,
		userID:     userID,
		flushDelay: flushDelay,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		log:        logger.WithModule("cache.persister"),
	}
}

// Run subscribes to store changes and flushes snapshots until Stop is called.
// It blocks; run it on its own goroutine.
func (p *Persister) Run() {
	defer close(p.done)

	changes, unsubscribe := p.store.Subscribe()
	defer unsubscribe()

	var timer *time.Timer
	var flushCh <-chan time.Time

	for {
		select {
		case <-p.stop:
			if flushCh != nil {
				p.flush()
			}
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if change.Op == store.OpClear {
				// Session teardown: drop the pending flush, keep the last
				// durable snapshot for the next cold start.
				if timer != nil {
					timer.Stop()
					flushCh = nil
				}
				continue
			}
			if timer == nil {
				timer = time.NewTimer(p.flushDelay)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(p.flushDelay)
			}
			flushCh = timer.C
		case <-flushCh:
			flushCh = nil
			p.flush()
		}
	}
}

// Stop terminates the run loop after a final flush of any pending snapshot.
func (p *Persister) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Persister) flush() {
	if err := p.cache.Save(p.userID, p.store.Snapshot()); err != nil {
		p.log.Warn("snapshot flush failed", zap.Error(err))
	}
}
