package store

import (
	"sync"
)

// KeyedMutex hands out one exclusive lock per key. Entries are dropped once
// no goroutine holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// TryLock acquires key only if it is free.
func (k *KeyedMutex) TryLock(key string) (func(), bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, held := k.locks[key]; held {
		return nil, false
	}
	l := &keyedLock{refs: 1}
	l.mu.Lock()
	k.locks[key] = l
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}, true
}

// TenantKey, WalletKey, InvoiceKey and SweepKey name the lock scopes used across packages.
func TenantKey(tenantId string) string   { return "tenant:" + tenantId }
func WalletKey(walletId string) string   { return "wallet:" + walletId }
func InvoiceKey(invoiceId string) string { return "invoice:" + invoiceId }
func SweepKey(name string) string         { return "sweep:" + name }
