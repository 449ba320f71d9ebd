// Package epoch implements the engine's epoch manager: the distributed-
// style barrier every source votes into before a consistent cut is cut
// across the DAG (spec.md §4.4).
//
// The barrier itself is a condition-variable-guarded cyclic barrier, the
// same primitive cuemby-warren's reconciler.go uses for its mutex-guarded
// ticker loop, generalized from "wake on a timer" to "wake once every
// live source has voted". Epoch id/tick vocabulary (EpochID-style
// naming, one decision per round) is grounded on the
// epoch_runner.go.go reference's computeEpoch/runEpoch split.
package epoch

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/streamrunner/pkg/log"
	"github.com/cuemby/streamrunner/pkg/metrics"
)

// Decision is what wait_for_epoch_close returns to every voting source
// (spec.md §4.4): either termination, a freshly minted epoch id, or "no
// epoch needed yet", all sharing the same DecisionTime so every
// participant's "max duration since decision" timer stays aligned.
type Decision struct {
	Terminating  bool
	EpochID      *uint64
	DecisionTime time.Time
}

type vote struct {
	requestTermination bool
	hasUncommitted      bool
}

type round struct {
	votes map[string]vote
	done  bool
	dec   Decision
	timer *metrics.Timer
}

// Manager coordinates one barrier round at a time across a fixed set of
// live sources. Sources must be registered before the first round they
// participate in; a source that receives a Terminating decision should
// Unregister after acting on it, not mid-round.
type Manager struct {
	mu      sync.Mutex
	cond    *sync.Cond
	sources map[string]struct{}
	epochID uint64
	r       *round
	logger  zerolog.Logger
}

// New creates an epoch manager with the given initial set of live source
// names.
func New(sourceNames ...string) *Manager {
	m := &Manager{
		sources: make(map[string]struct{}, len(sourceNames)),
		logger:  log.WithComponent("epoch"),
	}
	m.cond = sync.NewCond(&m.mu)
	for _, name := range sourceNames {
		m.sources[name] = struct{}{}
	}
	return m
}

// RegisterSource adds a new live voter before the next round begins.
func (m *Manager) RegisterSource(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[name] = struct{}{}
}

// UnregisterSource removes a voter, e.g. after it has acted on a
// Terminating decision. Must not be called while a round including this
// source is in flight.
func (m *Manager) UnregisterSource(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, name)
}

// WaitForEpochClose casts source's vote for the current round and blocks
// until every live source has voted, per spec.md §4.4's barrier contract.
// The last voter to arrive computes the round's Decision and wakes every
// waiter with it.
func (m *Manager) WaitForEpochClose(source string, requestTermination, hasUncommitted bool) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.r == nil {
		m.r = &round{votes: make(map[string]vote, len(m.sources)), timer: metrics.NewTimer()}
	}
	r := m.r
	r.votes[source] = vote{requestTermination: requestTermination, hasUncommitted: hasUncommitted}

	if len(r.votes) < len(m.sources) {
		for !r.done {
			m.cond.Wait()
		}
		return r.dec
	}

	dec := m.decide(r.votes)
	r.timer.ObserveDuration(metrics.EpochCloseDuration)

	r.dec = dec
	r.done = true
	m.r = nil
	m.cond.Broadcast()
	return dec
}

func (m *Manager) decide(votes map[string]vote) Decision {
	now := time.Now()

	allTerminating := true
	anyUncommitted := false
	for _, v := range votes {
		if !v.requestTermination {
			allTerminating = false
		}
		if v.hasUncommitted {
			anyUncommitted = true
		}
	}

	if allTerminating {
		m.logger.Info().Msg("all sources requested termination")
		return Decision{Terminating: true, DecisionTime: now}
	}

	if !anyUncommitted {
		return Decision{DecisionTime: now}
	}

	m.epochID++
	id := m.epochID
	metrics.EpochCurrent.Set(float64(id))
	metrics.EpochCommitsTotal.Inc()
	log.WithEpoch(id).Info().Msg("epoch minted")
	return Decision{EpochID: &id, DecisionTime: now}
}
