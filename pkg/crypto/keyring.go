package crypto

import (
	"sync"
)

// KeyRing hands out per-tenant payload ciphers derived from one master
// secret. Derivation is deterministic, so the ring is only a cache; losing
// it loses nothing.
type KeyRing struct {
	master []byte

	mu      sync.RWMutex
	ciphers map[string]*PayloadCipher
}

func NewKeyRing(master []byte) *KeyRing {
	return &KeyRing{master: master, ciphers: make(map[string]*PayloadCipher)}
}

// For returns the cipher for one purpose, deriving it on first use. Passing
// a tenant's orgId yields that tenant's independent data key.
func (k *KeyRing) For(purpose string) (*PayloadCipher, error) {
	k.mu.RLock()
	pc, ok := k.ciphers[purpose]
	k.mu.RUnlock()
	if ok {
		return pc, nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if pc, ok = k.ciphers[purpose]; ok {
		return pc, nil
	}
	pc, err := derivePayloadCipher(k.master, purpose)
	if err != nil {
		return nil, err
	}
	k.ciphers[purpose] = pc
	return pc, nil
}
