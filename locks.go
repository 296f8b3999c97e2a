package pds

import "sync"

// accountLocks gives each account a mutex, held from the start of a write
// until its event is sequenced.
type accountLocks struct {
	l     sync.Mutex
	locks map[string]*accountLock
}

type accountLock struct {
	sync.Mutex
	// waiters counts holders and waiters, under accountLocks.l
	waiters int
}

func (a *accountLocks) lock(did string) func() {
	a.l.Lock()
	if a.locks == nil {
		a.locks = map[string]*accountLock{}
	}
	al, ok := a.locks[did]
	if !ok {
		al = &accountLock{}
		a.locks[did] = al
	}
	al.waiters++
	a.l.Unlock()

	al.Lock()
	return func() {
		al.Unlock()
		a.l.Lock()
		al.waiters--
		if al.waiters == 0 {
			delete(a.locks, did)
		}
		a.l.Unlock()
	}
}
