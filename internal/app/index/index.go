// Package index maintains the derived trigger map the evaluator consults on
// every tick. The index is a cache over authoritative store state: lifecycle
// transitions patch it in place, and a periodic full rebuild reconciles any
// drift from missed updates or restarts.
package index

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/volitrade/sentinel/internal/domain/signal"
)

type entityKey struct {
	kind signal.EntityKind
	id   uuid.UUID
}

// Index is the in-memory trigger map, keyed by symbol for tick evaluation
// and by entity for point updates after transitions. All methods are safe
// for concurrent use.
type Index struct {
	opts signal.DeriveOptions

	mu         sync.RWMutex
	bySymbol   map[string][]signal.Trigger
	byEntity   map[entityKey][]signal.Trigger
	generation uint64
}

// New returns an empty index. opts gates which trigger families derivation
// emits.
func New(opts signal.DeriveOptions) *Index {
	return &Index{
		opts:     opts,
		bySymbol: make(map[string][]signal.Trigger),
		byEntity: make(map[entityKey][]signal.Trigger),
	}
}

// ReplaceAll swaps in a freshly derived trigger map built from an
// authoritative snapshot. Derivation runs before the write lock is taken so
// readers only ever wait for the map swap itself.
func (ix *Index) ReplaceAll(sources []signal.TriggerSource) {
	bySymbol := make(map[string][]signal.Trigger, len(sources))
	byEntity := make(map[entityKey][]signal.Trigger, len(sources))
	for _, src := range sources {
		triggers := signal.DeriveTriggers(src, ix.opts)
		if len(triggers) == 0 {
			continue
		}
		bySymbol[src.Symbol] = append(bySymbol[src.Symbol], triggers...)
		byEntity[entityKey{kind: src.Kind, id: src.ID}] = triggers
	}

	ix.mu.Lock()
	ix.bySymbol = bySymbol
	ix.byEntity = byEntity
	ix.generation++
	ix.mu.Unlock()
}

// Put re-derives one entity's triggers from its current state, replacing
// whatever the index held for it. States that derive no triggers (terminal,
// watchlist) clear the entity from the index, so callers can always Put the
// post-transition state without caring which transition ran.
func (ix *Index) Put(src signal.TriggerSource) {
	triggers := signal.DeriveTriggers(src, ix.opts)
	key := entityKey{kind: src.Kind, id: src.ID}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(key)
	if len(triggers) == 0 {
		return
	}
	ix.byEntity[key] = triggers
	ix.bySymbol[src.Symbol] = append(ix.bySymbol[src.Symbol], triggers...)
}

// Remove drops all triggers for one entity.
func (ix *Index) Remove(kind signal.EntityKind, id uuid.UUID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(entityKey{kind: kind, id: id})
}

func (ix *Index) removeLocked(key entityKey) {
	existing, ok := ix.byEntity[key]
	if !ok {
		return
	}
	delete(ix.byEntity, key)

	symbol := existing[0].Symbol
	current := ix.bySymbol[symbol]
	kept := make([]signal.Trigger, 0, len(current))
	for _, trig := range current {
		if trig.Kind == key.kind && trig.EntityID == key.id {
			continue
		}
		kept = append(kept, trig)
	}
	if len(kept) == 0 {
		delete(ix.bySymbol, symbol)
		return
	}
	ix.bySymbol[symbol] = kept
}

// Snapshot returns a copy of the triggers armed for symbol. The copy is the
// evaluator's working set for one tick; index mutations during evaluation do
// not affect it.
func (ix *Index) Snapshot(symbol string) []signal.Trigger {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	triggers := ix.bySymbol[symbol]
	if len(triggers) == 0 {
		return nil
	}
	out := make([]signal.Trigger, len(triggers))
	copy(out, triggers)
	return out
}

// Symbols returns the sorted set of symbols with at least one armed trigger.
// The aggregator polls this to reconcile its feed subscriptions.
func (ix *Index) Symbols() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]string, 0, len(ix.bySymbol))
	for symbol := range ix.bySymbol {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Generation increments on every full rebuild. The evaluator reseeds its
// trailing watermarks when it observes a new generation.
func (ix *Index) Generation() uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.generation
}

// Size reports the total number of armed triggers.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := 0
	for _, triggers := range ix.byEntity {
		n += len(triggers)
	}
	return n
}
