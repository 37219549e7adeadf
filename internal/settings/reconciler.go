// Package settings keeps a fixed set of boolean notification-preference
// flags consistent between local optimistic state and the boolean-helper
// entities other automations on the hub may also flip.
package settings

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/casa-home/casahub-go/internal/commands"
	"github.com/casa-home/casahub-go/internal/hub"
	"github.com/casa-home/casahub-go/internal/mirror"
)

// Flag names one notification preference.
type Flag string

// The tracked preference flags.
const (
	FlagSecurity Flag = "security"
	FlagDoorbell Flag = "doorbell"
	FlagWeather  Flag = "weather"
	FlagBabyCry  Flag = "baby_cry"
	FlagBirthday Flag = "birthday"
	FlagShopping Flag = "shopping"
	FlagWelcome  Flag = "welcome"
)

// AllFlags lists every tracked flag.
func AllFlags() []Flag {
	return []Flag{
		FlagSecurity, FlagDoorbell, FlagWeather, FlagBabyCry,
		FlagBirthday, FlagShopping, FlagWelcome,
	}
}

// flagState is the two-field model per flag: the optimistic local value and
// the last remote last_updated timestamp already processed. The timestamp,
// not the value, decides whether a snapshot carries new information.
type flagState struct {
	value    bool
	lastSeen time.Time
}

// reconcileFlag decides what a snapshot means for one flag. Pure and
// transport-free: given the local state and the helper entity's remote
// value and last_updated, it returns the next local state and whether the
// remote value was adopted.
//
// A timestamp that has not advanced is a replay or a stale echo of our own
// optimistic write, so the local value survives. Only an advanced timestamp
// combined with a differing value counts as a genuine remote change.
func reconcileFlag(local flagState, remoteValue bool, remoteUpdated time.Time) (flagState, bool) {
	if !remoteUpdated.After(local.lastSeen) {
		return local, false
	}
	local.lastSeen = remoteUpdated
	if remoteValue == local.value {
		return local, false
	}
	local.value = remoteValue
	return local, true
}

// Reconciler owns the flag table. Local writes go through Set; remote
// changes arrive through mirror snapshots. The last-seen timestamp table is
// private: user writes touch values only, never timestamps.
type Reconciler struct {
	slug   string
	store  *Store
	facade *commands.Facade
	logger *logrus.Logger

	mu    sync.Mutex
	flags map[Flag]flagState
}

// NewReconciler creates a reconciler for the user identified by slug,
// seeding local values from the persisted cache.
func NewReconciler(slug string, store *Store, facade *commands.Facade, logger *logrus.Logger) (*Reconciler, error) {
	r := &Reconciler{
		slug:   slug,
		store:  store,
		facade: facade,
		logger: logger,
		flags:  make(map[Flag]flagState, len(AllFlags())),
	}
	for _, f := range AllFlags() {
		r.flags[f] = flagState{}
	}

	if store != nil {
		persisted, err := store.Flags()
		if err != nil {
			return nil, err
		}
		for _, f := range AllFlags() {
			if v, ok := persisted[string(f)]; ok {
				r.flags[f] = flagState{value: v}
			}
		}
	}
	return r, nil
}

// Attach subscribes the reconciler to mirror refreshes.
func (r *Reconciler) Attach(m *mirror.Mirror) {
	m.Subscribe(r.onSnapshot)
}

// HelperEntityID returns the remote helper entity mirroring flag.
func (r *Reconciler) HelperEntityID(flag Flag) string {
	return "input_boolean." + r.slug + "_" + string(flag)
}

// Get returns the current local value of flag.
func (r *Reconciler) Get(flag Flag) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flags[flag].value
}

// All returns a copy of every flag's current local value.
func (r *Reconciler) All() map[Flag]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Flag]bool, len(r.flags))
	for f, s := range r.flags {
		out[f] = s.value
	}
	return out
}

// Set applies a user-driven change: local state and the persisted cache are
// updated immediately, and only a flag whose value actually changed is
// pushed to its remote helper. The push failing does not roll back the
// optimistic local value; the next genuine remote update reconciles it.
func (r *Reconciler) Set(ctx context.Context, flag Flag, value bool) error {
	r.mu.Lock()
	state, ok := r.flags[flag]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	changed := state.value != value
	state.value = value
	r.flags[flag] = state
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveFlag(string(flag), value); err != nil {
			r.logger.WithError(err).WithField("flag", flag).Warn("Failed to persist preference flag")
		}
	}

	if !changed {
		return nil
	}
	return r.facade.SetHelper(ctx, r.HelperEntityID(flag), value)
}

// onSnapshot reconciles every tracked helper entity against local state.
func (r *Reconciler) onSnapshot(entities []hub.Entity) {
	byID := make(map[string]hub.Entity, len(entities))
	for _, e := range entities {
		byID[e.EntityID] = e
	}

	for _, flag := range AllFlags() {
		helper, ok := byID[r.HelperEntityID(flag)]
		if !ok {
			continue
		}

		r.mu.Lock()
		next, adopted := reconcileFlag(r.flags[flag], helper.IsOn(), helper.LastUpdated)
		r.flags[flag] = next
		r.mu.Unlock()

		if !adopted {
			continue
		}

		r.logger.WithFields(logrus.Fields{
			"flag":  flag,
			"value": next.value,
		}).Info("Adopted remote preference change")
		if r.store != nil {
			if err := r.store.SaveFlag(string(flag), next.value); err != nil {
				r.logger.WithError(err).WithField("flag", flag).Warn("Failed to persist adopted flag")
			}
		}
	}
}
