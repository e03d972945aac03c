// Package session keeps the per-tunnel bookkeeping shared by the control
// and data channels: the local and remote session ids, and the two key
// epoch slots (primary and lame duck) with their packet-id sequencers.
package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Blyss1987/openvpn/internal/bytesx"
	"github.com/Blyss1987/openvpn/internal/model"
	"github.com/Blyss1987/openvpn/internal/replay"
	"github.com/Blyss1987/openvpn/pkg/config"
)

var (
	// ErrExpiredKey is the error we raise when we have an expired key.
	ErrExpiredKey = errors.New("expired key")

	// ErrNoRemoteSessionID indicates we are missing the remote session ID.
	ErrNoRemoteSessionID = errors.New("missing remote session ID")

	// ErrUnknownKeyID indicates no live epoch matches a packet's key id.
	ErrUnknownKeyID = errors.New("no key state for key id")
)

// Manager manages the session. The zero value is invalid. Please, construct
// using [NewManager]. This struct is concurrency safe.
type Manager struct {
	logger           model.Logger
	localSessionID   model.SessionID
	remoteSessionID  model.SessionID
	hasRemote        bool
	mu               sync.Mutex
	keys             [KS_SIZE]*KeyState
	transitionWindow time.Duration
	windowOpts       []replay.WindowOption
}

// timeNow is overridable in tests.
var timeNow = time.Now

// NewManager returns a [Manager] ready to be used, with a freshly
// generated local session id and a primary key epoch with key id zero.
func NewManager(cfg *config.Config) (*Manager, error) {
	windowOpts := []replay.WindowOption{
		replay.WithWindowWidth(uint32(cfg.ReplayWindow())),
		replay.WithTimeTolerance(cfg.ReplayTime()),
	}
	sessionManager := &Manager{
		logger:           cfg.Logger(),
		transitionWindow: cfg.TranWindow(),
		windowOpts:       windowOpts,
	}
	if err := sessionManager.resetSessionID(); err != nil {
		return nil, err
	}
	sessionManager.keys[KS_PRIMARY] = newKeyState(0, timeNow(), windowOpts)
	sessionManager.logger.Debugf(
		"session: created %s", bytesx.HexPrefix(sessionManager.localSessionID[:], 8))
	return sessionManager, nil
}

func (m *Manager) resetSessionID() error {
	if _, err := rand.Read(m.localSessionID[:]); err != nil {
		return fmt.Errorf("cannot generate session id: %w", err)
	}
	return nil
}

// LocalSessionID returns the local session ID.
func (m *Manager) LocalSessionID() model.SessionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localSessionID
}

// RemoteSessionID returns the remote session ID, or [ErrNoRemoteSessionID]
// when the peer has not announced one yet.
func (m *Manager) RemoteSessionID() (model.SessionID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasRemote {
		return model.SessionID{}, ErrNoRemoteSessionID
	}
	return m.remoteSessionID, nil
}

// SetRemoteSessionID records the session ID announced by the peer.
func (m *Manager) SetRemoteSessionID(remote model.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remoteSessionID = remote
	m.hasRemote = true
}

// ActiveKey returns the primary key epoch. All outgoing traffic uses the
// primary; the lame duck only keeps receiving.
func (m *Manager) ActiveKey() *KeyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[KS_PRIMARY]
}

// LameDuckKey returns the retiring key epoch, or nil.
func (m *Manager) LameDuckKey() *KeyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[KS_LAME_DUCK]
}

// CurrentKeyID returns the key id of the primary epoch.
func (m *Manager) CurrentKeyID() model.KeyID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[KS_PRIMARY].KeyID
}

// SoftReset rotates the key epochs: the primary moves to the lame duck
// slot with must_die = now + transition_window, a previous lame duck is
// discarded, and a fresh primary with the next key id takes its place.
// Returns the new primary.
func (m *Manager) SoftReset() *KeyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := timeNow()

	retiring := m.keys[KS_PRIMARY]
	retiring.MustDie = now.Add(m.transitionWindow)
	if old := m.keys[KS_LAME_DUCK]; old != nil {
		m.logger.Debugf("session: discarding lame duck key id %d", old.KeyID)
	}
	m.keys[KS_LAME_DUCK] = retiring

	// key id zero identifies the initial negotiation only, so the
	// counter wraps 7 -> 1
	nextID := (retiring.KeyID + 1) & model.MaxKeyID
	if nextID == 0 {
		nextID = 1
	}
	m.keys[KS_PRIMARY] = newKeyState(nextID, now, m.windowOpts)
	m.logger.Infof("session: soft reset, key id %d -> %d", retiring.KeyID, nextID)
	return m.keys[KS_PRIMARY]
}

// HardReset discards every key epoch and starts over: new local session
// id, no remote session id, and a fresh primary with key id zero.
func (m *Manager) HardReset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.resetSessionID(); err != nil {
		return err
	}
	m.hasRemote = false
	m.remoteSessionID = model.SessionID{}
	m.keys[KS_PRIMARY] = newKeyState(0, timeNow(), m.windowOpts)
	m.keys[KS_LAME_DUCK] = nil
	m.logger.Infof("session: hard reset, new session %s", bytesx.HexPrefix(m.localSessionID[:], 8))
	return nil
}

// KeyForIncoming routes an incoming packet to the key epoch matching its
// key id. The lame duck keeps receiving until its transition window
// elapses; after that it fails with [ErrExpiredKey]. An unknown key id
// fails with [ErrUnknownKeyID].
func (m *Manager) KeyForIncoming(keyID model.KeyID) (*KeyState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ks := m.keys[KS_PRIMARY]; ks.KeyID == keyID {
		return ks, nil
	}
	if ks := m.keys[KS_LAME_DUCK]; ks != nil && ks.KeyID == keyID {
		if ks.IsExpired(timeNow()) {
			return nil, fmt.Errorf("%w: key id %d", ErrExpiredKey, keyID)
		}
		return ks, nil
	}
	return nil, fmt.Errorf("%w: key id %d", ErrUnknownKeyID, keyID)
}

// ReapExpired discards a lame duck epoch past its transition window.
// Returns true when an epoch was discarded.
func (m *Manager) ReapExpired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ks := m.keys[KS_LAME_DUCK]
	if ks == nil || !ks.IsExpired(timeNow()) {
		return false
	}
	m.logger.Debugf("session: reaped expired key id %d", ks.KeyID)
	m.keys[KS_LAME_DUCK] = nil
	return true
}
