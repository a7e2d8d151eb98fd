// Package license implements the account index the session layer consults:
// verification per version family, auto-creation for unregistered v4 users,
// and temporary licenses for the prototype builds.
package license

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrMissingLicense is returned when no license matches the credentials.
var ErrMissingLicense = errors.New("no license for credentials")

// ErrAccessDenied is returned when credentials exist but do not match.
var ErrAccessDenied = errors.New("credentials do not match license")

// License is one account identity. Sessions are keyed by SerialNumber once
// credentials are known.
type License struct {
	SerialNumber uint32
	AccessKey    string

	// v4 credentials; the password is stored as a bcrypt hash.
	BBUsername     string
	BBPasswordHash string

	// XB identity triple.
	XBGamertag  string
	XBUserID    uint64
	XBAccountID uint64

	// Temporary licenses (prototype admissibility) vanish on restart.
	Temporary bool
	Banned    bool
}

// Index is the process-wide license registry, read-mostly after startup.
type Index struct {
	mu       sync.RWMutex
	bySerial map[uint32]*License
	byBBUser map[string]*License
	store    Store
}

// Store persists license mutations. A nil store keeps the index in-memory
// only, which the proxy-only deployments use.
type Store interface {
	SaveLicense(l *License) error
}

// NewIndex creates an empty index over the optional store.
func NewIndex(store Store) *Index {
	return &Index{
		bySerial: make(map[uint32]*License),
		byBBUser: make(map[string]*License),
		store:    store,
	}
}

// Add registers a license.
func (idx *Index) Add(l *License) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.bySerial[l.SerialNumber] = l
	if l.BBUsername != "" {
		idx.byBBUser[strings.ToLower(l.BBUsername)] = l
	}
}

// Count returns the number of registered licenses.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.bySerial)
}

// BySerial looks a license up by serial number.
func (idx *Index) BySerial(serial uint32) (*License, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	l, ok := idx.bySerial[serial]
	if !ok {
		return nil, ErrMissingLicense
	}
	return l, nil
}

// VerifyV1V2 checks a serial/access-key pair for the first two generations.
func (idx *Index) VerifyV1V2(serial uint32, accessKey string) (*License, error) {
	return idx.verifySerialKey(serial, accessKey)
}

// VerifyGC checks a serial/access-key pair for the GameCube family.
func (idx *Index) VerifyGC(serial uint32, accessKey string) (*License, error) {
	return idx.verifySerialKey(serial, accessKey)
}

func (idx *Index) verifySerialKey(serial uint32, accessKey string) (*License, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	l, ok := idx.bySerial[serial]
	if !ok {
		return nil, ErrMissingLicense
	}
	if l.Banned || l.AccessKey != accessKey {
		return nil, ErrAccessDenied
	}
	return l, nil
}

// VerifyXB checks the Xbox identity triple.
func (idx *Index) VerifyXB(gamertag string, userID, accountID uint64) (*License, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for _, l := range idx.bySerial {
		if l.XBGamertag == gamertag && l.XBUserID == userID && l.XBAccountID == accountID {
			if l.Banned {
				return nil, ErrAccessDenied
			}
			return l, nil
		}
	}
	return nil, ErrMissingLicense
}

// VerifyBB checks a v4 username/password pair.
func (idx *Index) VerifyBB(username, password string) (*License, error) {
	idx.mu.RLock()
	l, ok := idx.byBBUser[strings.ToLower(username)]
	idx.mu.RUnlock()
	if !ok {
		return nil, ErrMissingLicense
	}
	if l.Banned {
		return nil, ErrAccessDenied
	}
	if err := bcrypt.CompareHashAndPassword([]byte(l.BBPasswordHash), []byte(password)); err != nil {
		return nil, ErrAccessDenied
	}
	return l, nil
}

// CreateBB registers a new v4 license, hashing the password. Used when
// unregistered users are allowed.
func (idx *Index) CreateBB(username, password string) (*License, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	l := &License{
		SerialNumber:   fnv1a32(strings.ToLower(username)) & 0x7FFFFFFF,
		BBUsername:     username,
		BBPasswordHash: string(hash),
	}
	idx.Add(l)
	if idx.store != nil {
		if err := idx.store.SaveLicense(l); err != nil {
			return nil, fmt.Errorf("persisting license: %w", err)
		}
	}
	return l, nil
}

// CreateTemporary registers a temporary license for a prototype client.
// Temporary licenses are never persisted.
func (idx *Index) CreateTemporary(serial uint32, accessKey string) *License {
	l := &License{SerialNumber: serial, AccessKey: accessKey, Temporary: true}
	idx.Add(l)
	return l
}

// CreateTemporaryXB registers a temporary license for an Xbox identity the
// proxy observed. The serial derives from the gamertag so reconnects by
// the same identity resume the same session.
func (idx *Index) CreateTemporaryXB(gamertag string, userID, accountID uint64) *License {
	l := &License{
		SerialNumber: fnv1a32(strings.ToLower(gamertag)) & 0x7FFFFFFF,
		XBGamertag:   gamertag,
		XBUserID:     userID,
		XBAccountID:  accountID,
		Temporary:    true,
	}
	idx.Add(l)
	return l
}

func fnv1a32(s string) uint32 {
	h := uint32(0x811C9DC5)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 0x01000193
	}
	return h
}
