/*
 * StrataDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

/*
Package session contains the session manager of StrataDB.

The session manager owns a bounded pool of (arena, transaction) slots.
A session is the pair of a client id (the hash of the peer address) and
a transaction id; the transaction id zero denotes a non-transactional
call. Transactional sessions keep their slot between calls until the
transaction commits or the slot is evicted because it was idle for too
long. Non-transactional calls borrow an arena for the duration of a
single call.

Every lookup yields a Guard which must be released when the call's
response has been written. The executing flag of a slot guarantees that
at most one call works on a transaction at any time - the engine may
assume single-threaded access to each transaction handle.
*/
package session

import (
	"sync"
	"time"

	"devt.de/krotik/stratadb/arena"
	"devt.de/krotik/stratadb/engine"
)

/*
DefaultCapacity is the default number of session slots.
*/
const DefaultCapacity = 4096

/*
DefaultIdleTimeout is the default duration after which an idle session
may be evicted. Postgres uses the same default for idle transactions.
*/
const DefaultIdleTimeout = 30 * time.Second

/*
ID identifies a session as a (client, transaction) pair.
*/
type ID struct {
	Client uint64 // Hash of the peer address
	Txn    uint64 // Transaction id (0 for non-transactional calls)
}

/*
IsTxn checks if the session refers to a transaction.
*/
func (id ID) IsTxn() bool {
	return id.Txn != 0
}

/*
slot links a session to the resources used for its operations.
*/
type slot struct {
	txn        engine.Transaction // Transaction handle
	arena      *arena.Arena       // Arena paired with the transaction
	lastAccess time.Time          // Time of the last call
	executing  bool               // Flag if a call is currently running
}

/*
Manager is the resource control mechanism which makes sure that no
single client holds a transaction handle or memory arena for too long.
If a client goes mute or disconnects its resources can be reused for
other connections.
*/
type Manager struct {
	mutex       sync.Mutex           // Lock for all pool state
	db          engine.Database      // Engine whose transactions are managed
	freeArenas  []*arena.Arena       // Reusable arenas
	freeTxns    []engine.Transaction // Reusable transaction handles
	active      map[ID]*slot         // Slots of live transactional sessions
	idleTimeout time.Duration        // Minimum idle age for eviction
	now         func() time.Time     // Time source (overwritten by tests)
}

/*
NewManager creates a new session manager with a given slot capacity.
*/
func NewManager(db engine.Database, capacity int, idleTimeout time.Duration) *Manager {
	sm := &Manager{
		db:          db,
		freeArenas:  make([]*arena.Arena, 0, capacity),
		freeTxns:    make([]engine.Transaction, 0, capacity),
		active:      make(map[ID]*slot),
		idleTimeout: idleTimeout,
		now:         time.Now,
	}

	for i := 0; i < capacity; i++ {
		sm.freeArenas = append(sm.freeArenas, arena.New())
		sm.freeTxns = append(sm.freeTxns, nil)
	}

	return sm
}

/*
Guard is a scoped handle on a session's resources. Releasing the guard
either re-inserts the transaction slot (transactional) or returns the
arena to the free list (non-transactional). A guard must be released
exactly once after the call's response has been serialized.
*/
type Guard struct {
	sm       *Manager
	id       ID
	Txn      engine.Transaction // Transaction handle (nil for non-transactional calls)
	Arena    *arena.Arena       // Arena for all allocations of the call
	released bool
	discard  bool
}

/*
IsTxn checks if the guard holds a transaction.
*/
func (g *Guard) IsTxn() bool {
	return g.Txn != nil
}

/*
Discard marks the guard's transaction slot for removal. On release the
slot's resources go back to the free lists instead of staying active.
*/
func (g *Guard) Discard() {
	g.discard = true
}

/*
Release returns the guard's resources to the session manager.
*/
func (g *Guard) Release() {
	if g.released {
		return
	}

	g.released = true

	g.sm.mutex.Lock()
	defer g.sm.mutex.Unlock()

	if !g.IsTxn() {
		g.Arena.Reset()
		g.sm.freeArenas = append(g.sm.freeArenas, g.Arena)
		return
	}

	if g.discard {
		delete(g.sm.active, g.id)
		g.sm.recycle(g.Txn, g.Arena)
		return
	}

	if s, ok := g.sm.active[g.id]; ok {
		s.executing = false
		s.lastAccess = g.sm.now()
	}
}

/*
recycle returns a (txn, arena) pair to the free lists. The caller must
hold the manager's lock.
*/
func (sm *Manager) recycle(txn engine.Transaction, a *arena.Arena) {
	if txn != nil {
		sm.db.TxnFree(txn)
	}

	a.Reset()
	sm.freeArenas = append(sm.freeArenas, a)
	sm.freeTxns = append(sm.freeTxns, txn)
}

/*
evict removes the active slot with the oldest last access which is not
executing. The eviction fails if the oldest idle slot is younger than
the idle timeout. The caller must hold the manager's lock.
*/
func (sm *Manager) evict() (engine.Transaction, *arena.Arena, error) {
	var oldestID ID
	var oldest *slot

	for id, s := range sm.active {
		if s.executing {
			continue
		}

		if oldest == nil || s.lastAccess.Before(oldest.lastAccess) {
			oldestID, oldest = id, s
		}
	}

	if oldest == nil || sm.now().Sub(oldest.lastAccess) < sm.idleTimeout {
		return nil, nil, engine.NewError(engine.ErrUnknown, "Too many concurrent sessions")
	}

	delete(sm.active, oldestID)

	return oldest.txn, oldest.arena, nil
}

/*
takePair removes a (txn, arena) pair from the free lists, evicting an
idle session if the pool is exhausted. The caller must hold the
manager's lock.
*/
func (sm *Manager) takePair() (engine.Transaction, *arena.Arena, error) {

	if len(sm.freeArenas) == 0 || len(sm.freeTxns) == 0 {
		return sm.evict()
	}

	a := sm.freeArenas[len(sm.freeArenas)-1]
	sm.freeArenas = sm.freeArenas[:len(sm.freeArenas)-1]

	txn := sm.freeTxns[len(sm.freeTxns)-1]
	sm.freeTxns = sm.freeTxns[:len(sm.freeTxns)-1]

	return txn, a, nil
}

/*
Lock acquires the resources for a call of a given session. For
transactional sessions the active slot is locked; a second concurrent
call on the same transaction fails. Non-transactional sessions borrow
an arena from the free list.
*/
func (sm *Manager) Lock(id ID) (*Guard, error) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if id.IsTxn() {
		s, ok := sm.active[id]

		if !ok {
			return nil, engine.NewError(engine.ErrArgsWrong,
				"Transaction was terminated, start a new one")
		}

		if s.executing {
			return nil, engine.NewError(engine.ErrArgsWrong,
				"Transaction can't be modified concurrently")
		}

		s.executing = true
		s.lastAccess = sm.now()

		return &Guard{sm: sm, id: id, Txn: s.txn, Arena: s.arena}, nil
	}

	if len(sm.freeArenas) == 0 {
		txn, a, err := sm.evict()
		if err != nil {
			return nil, err
		}

		sm.freeTxns = append(sm.freeTxns, txn)
		if txn != nil {
			sm.db.TxnFree(txn)
		}

		a.Reset()

		return &Guard{sm: sm, id: id, Arena: a}, nil
	}

	a := sm.freeArenas[len(sm.freeArenas)-1]
	sm.freeArenas = sm.freeArenas[:len(sm.freeArenas)-1]

	return &Guard{sm: sm, id: id, Arena: a}, nil
}

/*
BeginTxn starts a new transaction for a given session. The call fails
if the session already has an active transaction - a colliding random
transaction id must be retried by the client.
*/
func (sm *Manager) BeginTxn(id ID, opts engine.Options) (*Guard, error) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if !id.IsTxn() {
		return nil, engine.NewError(engine.ErrArgsWrong, "Missing transaction id")
	}

	if _, ok := sm.active[id]; ok {
		return nil, engine.NewError(engine.ErrArgsWrong,
			"Such transaction is already running, just continue using it")
	}

	recycled, a, err := sm.takePair()
	if err != nil {
		return nil, err
	}

	txn, err := sm.db.TxnInit(recycled)
	if err != nil {
		sm.recycle(recycled, a)
		return nil, err
	}

	a.Reset()

	// The slot is inserted as executing so no concurrent call can grab
	// the transaction before the begin call has finished

	sm.active[id] = &slot{txn, a, sm.now(), true}

	return &Guard{sm: sm, id: id, Txn: txn, Arena: a}, nil
}

/*
CommitTxn commits the transaction of a given session. The slot is freed
regardless of the outcome - a failed commit cannot be retried.
*/
func (sm *Manager) CommitTxn(id ID, opts engine.Options) error {
	sm.mutex.Lock()

	s, ok := sm.active[id]

	if !ok {
		sm.mutex.Unlock()
		return engine.NewError(engine.ErrArgsWrong,
			"Transaction was terminated, start a new one")
	}

	if s.executing {
		sm.mutex.Unlock()
		return engine.NewError(engine.ErrArgsWrong,
			"Transaction can't be modified concurrently")
	}

	s.executing = true

	sm.mutex.Unlock()

	// Run the commit outside of the pool lock - operations on other
	// sessions proceed in parallel

	err := sm.db.TxnCommit(s.txn, opts)

	sm.mutex.Lock()
	delete(sm.active, id)
	sm.recycle(s.txn, s.arena)
	sm.mutex.Unlock()

	return err
}

/*
ActiveCount returns the number of live transactional sessions.
*/
func (sm *Manager) ActiveCount() int {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	return len(sm.active)
}

/*
FreeCount returns the number of free arenas in the pool.
*/
func (sm *Manager) FreeCount() int {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	return len(sm.freeArenas)
}
