package table

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/hubbub-dev/hubbub/internal/packet"
	"github.com/hubbub-dev/hubbub/internal/protocol"
	"github.com/hubbub-dev/hubbub/internal/session"
)

const defaultCacheSize = 512

// Table is one live server table: the sqlite adapter, the in-memory
// cache, attached listeners and the write-proxy chain. All mutations
// funnel through a single worker goroutine so commits happen in the
// order they were enqueued.
type Table struct {
	ID protocol.Identifier

	adapter *Adapter

	mu         sync.Mutex
	permission *protocol.Identifier
	cacheSize  int
	cacheKeys  []string
	cache      map[string][]byte
	listeners  map[*session.Session]bool
	proxies    []*session.Session
	proxySeq   uint64
	rounds     map[uint64]*proxyRound

	work chan func()
	done chan struct{}
}

// proxyRound tracks one batch walking the transform chain. items holds
// the batch as last transformed; done delivers the final batch (nil when
// a proxy dropped it) back to the worker holding the write queue.
type proxyRound struct {
	kind      *packet.Type
	items     []Item
	remaining []*session.Session
	done      chan []Item
}

func newTable(dir string, id protocol.Identifier) (*Table, error) {
	adapter, err := OpenAdapter(dir, id)
	if err != nil {
		return nil, err
	}
	t := &Table{
		ID:        id,
		adapter:   adapter,
		cacheSize: defaultCacheSize,
		cache:     make(map[string][]byte),
		listeners: make(map[*session.Session]bool),
		rounds:    make(map[uint64]*proxyRound),
		work:      make(chan func(), 64),
		done:      make(chan struct{}),
	}
	go t.run()
	return t, nil
}

func (t *Table) run() {
	defer close(t.done)
	for fn := range t.work {
		fn()
	}
}

func (t *Table) close() error {
	close(t.work)
	<-t.done
	return t.adapter.Close()
}

// enqueue schedules a mutation on the worker and waits for it.
func (t *Table) enqueue(fn func() error) error {
	errCh := make(chan error, 1)
	t.work <- func() { errCh <- fn() }
	return <-errCh
}

func (t *Table) setCacheSize(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > 0 {
		t.cacheSize = n
	}
	t.trimCacheLocked()
}

func (t *Table) setPermission(id protocol.Identifier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.permission = &id
}

func (t *Table) getPermission() *protocol.Identifier {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.permission
}

// attach subscribes a session to change events and hands it the current
// cache so it starts warm.
func (t *Table) attach(s *session.Session) {
	t.mu.Lock()
	t.listeners[s] = true
	snapshot := t.cacheSnapshotLocked()
	t.mu.Unlock()

	s.OnDisconnected(func(s *session.Session) { t.detach(s) })
	s.Send(CachePacket, Items{ID: t.ID, Items: snapshot})
}

func (t *Table) detach(s *session.Session) {
	t.mu.Lock()
	delete(t.listeners, s)
	for i, p := range t.proxies {
		if p == s {
			t.proxies = append(t.proxies[:i], t.proxies[i+1:]...)
			break
		}
	}
	// A round waiting on this proxy would never see its reply; skip it
	// so the write queue keeps moving.
	type stalled struct {
		seq   uint64
		round *proxyRound
	}
	var resume []stalled
	for seq, round := range t.rounds {
		if len(round.remaining) > 0 && round.remaining[0] == s {
			round.remaining = round.remaining[1:]
			resume = append(resume, stalled{seq, round})
		}
	}
	t.mu.Unlock()

	for _, r := range resume {
		t.offer(r.seq, r.round)
	}
}

// attachProxy appends a session to the transform chain in attach order.
func (t *Table) attachProxy(s *session.Session) {
	t.mu.Lock()
	for _, p := range t.proxies {
		if p == s {
			t.mu.Unlock()
			return
		}
	}
	t.proxies = append(t.proxies, s)
	t.mu.Unlock()

	s.OnDisconnected(func(s *session.Session) { t.detach(s) })
}

// Add inserts a batch. With proxies attached the batch first walks the
// transform chain; otherwise it commits directly.
func (t *Table) Add(items []Item) error {
	return t.submit(ItemAddPacket, items)
}

// Update replaces entries in place, keeping their insertion order.
func (t *Table) Update(items []Item) error {
	return t.submit(ItemUpdatePacket, items)
}

// submit runs the full write on the worker: walk the transform chain if
// proxies are attached, then commit. The worker holds the queue until
// the commit lands, so a later write can never overtake a batch that is
// still out with a proxy.
func (t *Table) submit(kind *packet.Type, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	return t.enqueue(func() error {
		if round := t.beginRound(kind, items); round != nil {
			items = <-round.done
			if len(items) == 0 {
				return nil
			}
		}
		return t.commit(kind, items)
	})
}

// beginRound hands the batch to the first live proxy. A nil return means
// no proxy is attached and the batch should commit directly.
func (t *Table) beginRound(kind *packet.Type, items []Item) *proxyRound {
	t.mu.Lock()
	if len(t.proxies) == 0 {
		t.mu.Unlock()
		return nil
	}
	t.proxySeq++
	seq := t.proxySeq
	round := &proxyRound{
		kind:      kind,
		items:     items,
		remaining: append([]*session.Session(nil), t.proxies...),
		done:      make(chan []Item, 1),
	}
	t.rounds[seq] = round
	t.mu.Unlock()

	t.offer(seq, round)
	return round
}

// handleProxyReply receives a transformed batch from a proxy adapter.
// Unknown sequence numbers are ignored so duplicated or stale replies
// cannot double-commit.
func (t *Table) handleProxyReply(seq uint64, items []Item) {
	t.mu.Lock()
	round, ok := t.rounds[seq]
	if !ok || len(round.remaining) == 0 {
		t.mu.Unlock()
		log.Debug().
			Str("table", t.ID.Key()).
			Uint64("key", seq).
			Msg("Dropping stale proxy reply")
		return
	}
	round.remaining = round.remaining[1:]
	if len(items) == 0 {
		delete(t.rounds, seq)
		t.mu.Unlock()
		round.done <- nil
		return
	}
	round.items = items
	t.mu.Unlock()

	t.offer(seq, round)
}

// offer forwards the batch to the next live proxy, or releases it back
// to the waiting worker when the chain is exhausted. Disconnected
// proxies are skipped.
func (t *Table) offer(seq uint64, round *proxyRound) {
	for {
		t.mu.Lock()
		if len(round.remaining) == 0 {
			items := round.items
			delete(t.rounds, seq)
			t.mu.Unlock()
			round.done <- items
			return
		}
		next := round.remaining[0]
		items := round.items
		t.mu.Unlock()

		if next.Closed() {
			t.mu.Lock()
			round.remaining = round.remaining[1:]
			t.mu.Unlock()
			continue
		}
		if err := next.Send(ProxyPacket, ProxyData{ID: t.ID, Key: seq, Items: items}); err != nil {
			t.mu.Lock()
			round.remaining = round.remaining[1:]
			t.mu.Unlock()
			continue
		}
		return
	}
}

// commit persists a transformed batch and fans the event out. Runs on
// the worker goroutine.
func (t *Table) commit(kind *packet.Type, items []Item) error {
	if err := t.adapter.SetMany(items); err != nil {
		return err
	}
	t.updateCache(items)
	t.broadcast(kind, Items{ID: t.ID, Items: items})
	return nil
}

// Remove deletes keys, broadcasting the entries that actually existed.
func (t *Table) Remove(keys []string) error {
	return t.enqueue(func() error {
		removed, err := t.adapter.Remove(keys)
		if err != nil {
			return err
		}
		if len(removed) == 0 {
			return nil
		}
		t.dropFromCache(removed)
		t.broadcast(ItemRemovePacket, Items{ID: t.ID, Items: removed})
		return nil
	})
}

// Clear empties the table and tells every listener.
func (t *Table) Clear() error {
	return t.enqueue(func() error {
		if err := t.adapter.Clear(); err != nil {
			return err
		}
		t.mu.Lock()
		t.cacheKeys = nil
		t.cache = make(map[string][]byte)
		t.mu.Unlock()
		t.broadcastEvent(ItemClearPacket)
		return nil
	})
}

// Get returns the value for one key, checking the cache first. An
// adapter hit is pulled into the cache on the way out.
func (t *Table) Get(key string) ([]byte, error) {
	t.mu.Lock()
	if value, ok := t.cache[key]; ok {
		t.mu.Unlock()
		return value, nil
	}
	t.mu.Unlock()
	value, err := t.adapter.Get(key)
	if err != nil {
		return nil, err
	}
	t.updateCache([]Item{{Key: key, Value: value}})
	return value, nil
}

// GetMany returns the stored entries for the given keys.
func (t *Table) GetMany(keys []string) ([]Item, error) {
	return t.adapter.GetMany(keys)
}

// Fetch returns a row-id window around an optional cursor.
func (t *Table) Fetch(before, after *int, cursor *string) ([]Item, error) {
	return t.adapter.Fetch(before, after, cursor)
}

// FetchAll returns every entry in insertion order.
func (t *Table) FetchAll() ([]Item, error) {
	return t.adapter.FetchAll()
}

// Size returns the number of stored entries.
func (t *Table) Size() (int, error) {
	return t.adapter.Size()
}

func (t *Table) updateCache(items []Item) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, item := range items {
		if _, ok := t.cache[item.Key]; !ok {
			t.cacheKeys = append(t.cacheKeys, item.Key)
		}
		t.cache[item.Key] = item.Value
	}
	t.trimCacheLocked()
}

func (t *Table) trimCacheLocked() {
	for len(t.cacheKeys) > t.cacheSize {
		evicted := t.cacheKeys[0]
		t.cacheKeys = t.cacheKeys[1:]
		delete(t.cache, evicted)
	}
}

func (t *Table) dropFromCache(items []Item) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, item := range items {
		if _, ok := t.cache[item.Key]; !ok {
			continue
		}
		delete(t.cache, item.Key)
		for i, k := range t.cacheKeys {
			if k == item.Key {
				t.cacheKeys = append(t.cacheKeys[:i], t.cacheKeys[i+1:]...)
				break
			}
		}
	}
}

func (t *Table) cacheSnapshotLocked() []Item {
	items := make([]Item, 0, len(t.cacheKeys))
	for _, key := range t.cacheKeys {
		items = append(items, Item{Key: key, Value: t.cache[key]})
	}
	return items
}

func (t *Table) broadcast(kind *packet.Type, data Items) {
	for _, s := range t.listenerSnapshot() {
		if err := s.Send(kind, data); err != nil {
			log.Debug().Err(err).
				Str("table", t.ID.Key()).
				Str("app", s.App.Key()).
				Msg("Failed to deliver table event")
		}
	}
}

func (t *Table) broadcastEvent(kind *packet.Type) {
	for _, s := range t.listenerSnapshot() {
		s.Send(kind, Event{ID: t.ID})
	}
}

func (t *Table) listenerSnapshot() []*session.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	sessions := make([]*session.Session, 0, len(t.listeners))
	for s := range t.listeners {
		if !s.Closed() {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

func (t *Table) String() string {
	return fmt.Sprintf("table(%s)", t.ID)
}
