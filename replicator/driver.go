package replicator

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/ecliptic-io/authcache/directory"
	"github.com/ecliptic-io/authcache/store"
)

// Poller is the slice of the changelog poller the driver consumes.
// *directory.Poller satisfies it; tests substitute a fake.
type Poller interface {
	GetNext(ctx context.Context) (*directory.Entry, error)
	Events() <-chan directory.Event
	Close() error
}

// State is the persisted replication position loaded at startup.
type State struct {
	ChangeNumber uint64
	Virgin       bool
}

// LoadState reads the change number and virgin flag from the store. A cache
// that has never replicated (no change number) is marked virgin, and the
// flag is written through so the health surface refuses to serve until the
// first catch-up.
func LoadState(ctx context.Context, s *store.Store) (State, error) {
	var state State

	raw, ok, err := s.Get(ctx, store.ChangeNumberKey)
	if err != nil {
		return state, err
	}
	if !ok {
		state.Virgin = true
		if err := s.Set(ctx, store.VirginKey, "true"); err != nil {
			return state, err
		}
		return state, nil
	}

	cn, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return state, errors.New("persisted changenumber is not a number: " + raw)
	}
	state.ChangeNumber = cn

	_, virgin, err := s.Get(ctx, store.VirginKey)
	if err != nil {
		return state, err
	}
	state.Virgin = virgin
	return state, nil
}

// Driver binds the poller, transformer and store into the strictly serial
// replication loop. Only one entry is ever being transformed-and-committed
// at a time: the transforms do read-modify-write against the store and
// interleaving two of them would lose updates.
type Driver struct {
	store       *store.Store
	transformer *Transformer
	poller      Poller
	log         *logrus.Entry

	cn       uint64
	virgin   atomic.Bool
	retryMin time.Duration
	retryMax time.Duration
}

// DriverConfig configures the replication driver.
type DriverConfig struct {
	// RetryMin and RetryMax bound the commit retry backoff
	// (defaults 1s, 60s).
	RetryMin time.Duration
	RetryMax time.Duration
}

// NewDriver builds a driver resuming from the loaded state.
func NewDriver(s *store.Store, p Poller, state State, cfg DriverConfig, log *logrus.Entry) *Driver {
	if cfg.RetryMin == 0 {
		cfg.RetryMin = time.Second
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 60 * time.Second
	}
	d := &Driver{
		store:       s,
		transformer: NewTransformer(log),
		poller:      p,
		log:         log,
		cn:          state.ChangeNumber,
		retryMin:    cfg.RetryMin,
		retryMax:    cfg.RetryMax,
	}
	d.virgin.Store(state.Virgin)
	return d
}

// Ready reports whether the cache is authoritative: replication has caught
// up with the changelog at least once.
func (d *Driver) Ready() bool {
	return !d.virgin.Load()
}

// ChangeNumber returns the last applied change number.
func (d *Driver) ChangeNumber() uint64 {
	return d.cn
}

// Run executes the replication loop until ctx is cancelled or an
// unrecoverable transform failure halts replication. Transient store errors
// never terminate the loop; they retry the same entry with backoff.
func (d *Driver) Run(ctx context.Context) error {
	go d.watchEvents(ctx)

	for {
		entry, err := d.poller.GetNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := d.apply(ctx, entry); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Halting here keeps the change number pinned before the bad
			// entry; replication resumes from it once an operator repairs
			// the changelog.
			d.log.WithError(err).WithField("changenumber", entry.ChangeNumber).
				Error("replication halted on unprocessable entry")
			return err
		}

		if entry.ChangeNumber > d.cn {
			d.cn = entry.ChangeNumber
		}
	}
}

// apply transforms and commits one entry, advancing the persisted change
// number in the same atomic batch. Store errors retry the whole
// transform-and-commit with backoff: the transform reads the cache, so it
// must rerun against a fresh batch after a failure.
func (d *Driver) apply(ctx context.Context, entry *directory.Entry) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.retryMin
	policy.MaxInterval = d.retryMax
	policy.MaxElapsedTime = 0

	return backoff.RetryNotify(
		func() error {
			b := d.store.NewBatch()
			if err := d.transformer.Transform(ctx, b, entry); err != nil {
				var storeErr *store.StoreError
				if errors.As(err, &storeErr) {
					return err
				}
				return backoff.Permanent(err)
			}
			if entry.ChangeNumber > d.cn {
				b.Set(store.ChangeNumberKey, strconv.FormatUint(entry.ChangeNumber, 10))
			}
			return d.store.Commit(ctx, b)
		},
		backoff.WithContext(policy, ctx),
		func(err error, next time.Duration) {
			d.log.WithError(err).WithFields(logrus.Fields{
				"changenumber": entry.ChangeNumber,
				"retryIn":      next.String(),
			}).Warn("entry commit failed, retrying")
		},
	)
}

// watchEvents clears the virgin flag the first time the poller reports a
// fresh (caught-up) poll. The poller emits events only between entry
// deliveries, so the flag can never race ahead of committed data.
func (d *Driver) watchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.poller.Events():
			if event != directory.Fresh || !d.virgin.Load() {
				continue
			}
			if err := d.store.Del(ctx, store.VirginKey); err != nil {
				d.log.WithError(err).Warn("failed to clear virgin flag, will retry on next fresh poll")
				continue
			}
			d.virgin.Store(false)
			d.log.WithField("changenumber", d.cn).Info("replication caught up, cache is now authoritative")
		}
	}
}
