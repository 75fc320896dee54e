package keys

import (
	"sync"

	"github.com/google/uuid"
)

// Keyring holds the per-account key state recovered during login: master
// key and hash, the wrapped user key exactly as the server sent it, the
// decrypted user key and the wrapped private key. It is the in-memory
// equivalent of an unlocked vault's key material.
type Keyring struct {
	mu     sync.RWMutex
	states map[uuid.UUID]*keyState
}

type keyState struct {
	masterKey                 *MasterKey
	masterKeyHash             string
	masterKeyEncryptedUserKey *EncString
	userKey                   *UserKey
	privateKey                string
}

func NewKeyring() *Keyring {
	return &Keyring{states: make(map[uuid.UUID]*keyState)}
}

func (r *Keyring) state(userID uuid.UUID) *keyState {
	st, ok := r.states[userID]
	if !ok {
		st = &keyState{}
		r.states[userID] = st
	}
	return st
}

func (r *Keyring) SetMasterKey(userID uuid.UUID, mk *MasterKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state(userID).masterKey = mk
}

func (r *Keyring) MasterKey(userID uuid.UUID) *MasterKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.states[userID]; ok {
		return st.masterKey
	}
	return nil
}

func (r *Keyring) SetMasterKeyHash(userID uuid.UUID, hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state(userID).masterKeyHash = hash
}

func (r *Keyring) MasterKeyHash(userID uuid.UUID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.states[userID]; ok {
		return st.masterKeyHash
	}
	return ""
}

// SetMasterKeyEncryptedUserKey stores the server-provided wrapped user key
// verbatim. It is kept even when the current login cannot decrypt it, since
// a later master-password login may need it.
func (r *Keyring) SetMasterKeyEncryptedUserKey(userID uuid.UUID, wrapped *EncString) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state(userID).masterKeyEncryptedUserKey = wrapped
}

func (r *Keyring) MasterKeyEncryptedUserKey(userID uuid.UUID) *EncString {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.states[userID]; ok {
		return st.masterKeyEncryptedUserKey
	}
	return nil
}

func (r *Keyring) SetUserKey(userID uuid.UUID, uk *UserKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state(userID).userKey = uk
}

func (r *Keyring) UserKey(userID uuid.UUID) *UserKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.states[userID]; ok {
		return st.userKey
	}
	return nil
}

func (r *Keyring) HasUserKey(userID uuid.UUID) bool {
	return r.UserKey(userID) != nil
}

// SetPrivateKey stores the user-key-wrapped private key in its wire form.
func (r *Keyring) SetPrivateKey(userID uuid.UUID, wrapped string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state(userID).privateKey = wrapped
}

func (r *Keyring) PrivateKey(userID uuid.UUID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.states[userID]; ok {
		return st.privateKey
	}
	return ""
}

// Clear drops all key material for an account.
func (r *Keyring) Clear(userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, userID)
}
