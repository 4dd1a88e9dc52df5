package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/gwillem/signal-courier/internal/signalcrypto"
)

var _ signalcrypto.ProtocolStore = (*LocalStore)(nil)

const (
	localIdentityKey  = "local:"
	remoteIdentityKey = "remote:"
	localRegIDKey     = "local"
	currentSignedKey  = "current"
)

func sessionKey(addr signalcrypto.Address) string {
	return fmt.Sprintf("%s.%d", addr.Name, addr.DeviceID)
}

// keyID formats ids so that lexical order equals numeric order.
func keyID(id uint32) string { return fmt.Sprintf("%010d", id) }

// --- Sessions ---

// LoadSession returns the serialized session for addr, or nil, nil if none exists.
func (ls *LocalStore) LoadSession(addr signalcrypto.Address) ([]byte, error) {
	data, err := ls.kv.Get(CategorySession, sessionKey(addr))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (ls *LocalStore) StoreSession(addr signalcrypto.Address, record []byte) error {
	return ls.kv.Put(CategorySession, sessionKey(addr), record)
}

func (ls *LocalStore) HasSession(addr signalcrypto.Address) (bool, error) {
	return ls.kv.Has(CategorySession, sessionKey(addr))
}

// DeleteSession removes the session for addr. The next send to addr must
// establish a new one.
func (ls *LocalStore) DeleteSession(addr signalcrypto.Address) error {
	return ls.kv.Delete(CategorySession, sessionKey(addr))
}

// SessionDevices returns the device ids that have a session with name.
func (ls *LocalStore) SessionDevices(name string) ([]uint32, error) {
	entries, err := ls.kv.GetPrefix(CategorySession, name+".")
	if err != nil {
		return nil, err
	}
	var ids []uint32
	for _, e := range entries {
		id, err := strconv.ParseUint(e.Key[len(name)+1:], 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(id))
	}
	return ids, nil
}

// --- Identity ---

func (ls *LocalStore) SetIdentityKeyPair(kp signalcrypto.IdentityKeyPair) error {
	data, err := json.Marshal(kp)
	if err != nil {
		return fmt.Errorf("store: marshal identity: %w", err)
	}
	return ls.kv.Put(CategoryIdentityKey, localIdentityKey, data)
}

func (ls *LocalStore) IdentityKeyPair() (signalcrypto.IdentityKeyPair, error) {
	data, err := ls.kv.Get(CategoryIdentityKey, localIdentityKey)
	if err != nil {
		return signalcrypto.IdentityKeyPair{}, fmt.Errorf("store: identity key pair: %w", err)
	}
	var kp signalcrypto.IdentityKeyPair
	if err := json.Unmarshal(data, &kp); err != nil {
		return signalcrypto.IdentityKeyPair{}, fmt.Errorf("store: unmarshal identity: %w", err)
	}
	return kp, nil
}

func (ls *LocalStore) SetLocalRegistrationID(id uint32) error {
	return ls.kv.Put(CategoryLocalRegistrationID, localRegIDKey, []byte(strconv.FormatUint(uint64(id), 10)))
}

func (ls *LocalStore) LocalRegistrationID() (uint32, error) {
	data, err := ls.kv.Get(CategoryLocalRegistrationID, localRegIDKey)
	if err != nil {
		return 0, fmt.Errorf("store: registration id: %w", err)
	}
	id, err := strconv.ParseUint(string(data), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("store: parse registration id: %w", err)
	}
	return uint32(id), nil
}

// IsTrustedIdentity trusts the first identity seen for a name and any later
// identity equal to it.
func (ls *LocalStore) IsTrustedIdentity(addr signalcrypto.Address, identityKey []byte) (bool, error) {
	known, err := ls.kv.Get(CategoryIdentityKey, remoteIdentityKey+addr.Name)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return bytes.Equal(known, identityKey), nil
}

func (ls *LocalStore) SaveIdentity(addr signalcrypto.Address, identityKey []byte) error {
	return ls.kv.Put(CategoryIdentityKey, remoteIdentityKey+addr.Name, identityKey)
}

// RemoteIdentity returns the stored identity key for name, or nil.
func (ls *LocalStore) RemoteIdentity(name string) ([]byte, error) {
	data, err := ls.kv.Get(CategoryIdentityKey, remoteIdentityKey+name)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return data, err
}

// --- One-time prekeys ---

func (ls *LocalStore) StorePreKey(rec signalcrypto.PreKeyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal prekey: %w", err)
	}
	return ls.kv.Put(CategoryPreKey, keyID(rec.ID), data)
}

func (ls *LocalStore) LoadPreKey(id uint32) (signalcrypto.PreKeyRecord, error) {
	data, err := ls.kv.Get(CategoryPreKey, keyID(id))
	if err != nil {
		return signalcrypto.PreKeyRecord{}, fmt.Errorf("store: prekey %d: %w", id, err)
	}
	var rec signalcrypto.PreKeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return signalcrypto.PreKeyRecord{}, fmt.Errorf("store: unmarshal prekey %d: %w", id, err)
	}
	return rec, nil
}

func (ls *LocalStore) RemovePreKey(id uint32) error {
	return ls.kv.Delete(CategoryPreKey, keyID(id))
}

// MaxPreKeyID returns the highest stored one-time prekey id, or 0 if none.
func (ls *LocalStore) MaxPreKeyID() (uint32, error) {
	return ls.maxID(CategoryPreKey)
}

func (ls *LocalStore) maxID(cat Category) (uint32, error) {
	entries, err := ls.kv.GetAll(cat)
	if err != nil {
		return 0, err
	}
	var max uint32
	for _, e := range entries {
		id, err := strconv.ParseUint(e.Key, 10, 32)
		if err != nil {
			continue
		}
		if uint32(id) > max {
			max = uint32(id)
		}
	}
	return max, nil
}

// --- Signed prekeys ---

func (ls *LocalStore) StoreSignedPreKey(rec signalcrypto.SignedPreKeyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal signed prekey: %w", err)
	}
	return ls.kv.Put(CategorySignedPreKey, keyID(rec.ID), data)
}

func (ls *LocalStore) LoadSignedPreKey(id uint32) (signalcrypto.SignedPreKeyRecord, error) {
	data, err := ls.kv.Get(CategorySignedPreKey, keyID(id))
	if err != nil {
		return signalcrypto.SignedPreKeyRecord{}, fmt.Errorf("store: signed prekey %d: %w", id, err)
	}
	var rec signalcrypto.SignedPreKeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return signalcrypto.SignedPreKeyRecord{}, fmt.Errorf("store: unmarshal signed prekey %d: %w", id, err)
	}
	return rec, nil
}

func (ls *LocalStore) RemoveSignedPreKey(id uint32) error {
	return ls.kv.Delete(CategorySignedPreKey, keyID(id))
}

// SignedPreKeyIDs returns all stored signed prekey ids in ascending order.
func (ls *LocalStore) SignedPreKeyIDs() ([]uint32, error) {
	entries, err := ls.kv.GetAll(CategorySignedPreKey)
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, len(entries))
	for _, e := range entries {
		id, err := strconv.ParseUint(e.Key, 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(id))
	}
	return ids, nil
}

// MaxSignedPreKeyID returns the highest stored signed prekey id, or 0 if none.
func (ls *LocalStore) MaxSignedPreKeyID() (uint32, error) {
	return ls.maxID(CategorySignedPreKey)
}

// CurrentSignedPreKeyID returns the current signed prekey pointer. ok is
// false when no pointer is set.
func (ls *LocalStore) CurrentSignedPreKeyID() (id uint32, ok bool, err error) {
	data, err := ls.kv.Get(CategoryCurrentSignedPreKeyID, currentSignedKey)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err := strconv.ParseUint(string(data), 10, 32)
	if err != nil {
		return 0, false, fmt.Errorf("store: parse current signed prekey id: %w", err)
	}
	return uint32(v), true, nil
}

// SetCurrentSignedPreKeyID moves the pointer. The record must exist.
func (ls *LocalStore) SetCurrentSignedPreKeyID(id uint32) error {
	ok, err := ls.kv.Has(CategorySignedPreKey, keyID(id))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("store: signed prekey %d: %w", id, ErrNotFound)
	}
	return ls.kv.Put(CategoryCurrentSignedPreKeyID, currentSignedKey, []byte(strconv.FormatUint(uint64(id), 10)))
}

// CurrentSignedPreKey returns the record the pointer names. ok is false
// when no pointer is set.
func (ls *LocalStore) CurrentSignedPreKey() (rec signalcrypto.SignedPreKeyRecord, ok bool, err error) {
	id, ok, err := ls.CurrentSignedPreKeyID()
	if err != nil || !ok {
		return signalcrypto.SignedPreKeyRecord{}, ok, err
	}
	rec, err = ls.LoadSignedPreKey(id)
	if err != nil {
		return signalcrypto.SignedPreKeyRecord{}, false, err
	}
	return rec, true, nil
}
