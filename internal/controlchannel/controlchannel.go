// Package controlchannel implements the control channel logic. The control
// channel sits between the wire and the TLS layer: TLS records moving down
// get wrapped with the pre-shared tls-crypt key, and wire frames moving up
// get authenticated, replay-checked and decrypted before being handed to
// the TLS layer.
package controlchannel

import (
	"errors"
	"fmt"
	"time"

	"github.com/Blyss1987/openvpn/internal/bytesx"
	"github.com/Blyss1987/openvpn/internal/model"
	"github.com/Blyss1987/openvpn/internal/replay"
	"github.com/Blyss1987/openvpn/internal/session"
	"github.com/Blyss1987/openvpn/internal/tlscrypt"
	"github.com/Blyss1987/openvpn/internal/workers"
	"github.com/Blyss1987/openvpn/pkg/config"
)

var (
	serviceName = "controlchannel"
)

// dropLogInterval bounds how often we log dropped frames, so a flood of
// forged or replayed frames cannot flood the log as well.
const dropLogInterval = time.Second

// Service is the controlchannel service. Make sure you initialize
// the channels before invoking [Service.StartWorkers].
type Service struct {
	// NotifyTLS is the channel that sends notifications up to the TLS layer.
	NotifyTLS *chan *model.Notification

	// WireFromControl moves wrapped frames from us down to the wire.
	WireFromControl *chan []byte

	// WireToControl moves raw frames up to us from the wire below.
	WireToControl chan []byte

	// TLSRecordToControl moves bytes down to us from the TLS layer above.
	TLSRecordToControl chan []byte

	// TLSRecordFromControl moves bytes from us up to the TLS layer above.
	TLSRecordFromControl *chan []byte
}

// StartWorkers starts the control-channel workers.
func (svc *Service) StartWorkers(
	config *config.Config,
	workersManager *workers.Manager,
	sessionManager *session.Manager,
	wrapper *tlscrypt.Wrapper,
) {
	ws := &workersState{
		logger:               config.Logger(),
		notifyTLS:            *svc.NotifyTLS,
		wireFromControl:      *svc.WireFromControl,
		wireToControl:        svc.WireToControl,
		tlsRecordToControl:   svc.TLSRecordToControl,
		tlsRecordFromControl: *svc.TLSRecordFromControl,
		sessionManager:       sessionManager,
		wrapper:              wrapper,
		workersManager:       workersManager,
	}
	workersManager.StartWorker(ws.moveUpWorker)
	workersManager.StartWorker(ws.moveDownWorker)
}

// workersState contains the control channel state.
type workersState struct {
	logger               model.Logger
	notifyTLS            chan<- *model.Notification
	wireFromControl      chan<- []byte
	wireToControl        <-chan []byte
	tlsRecordToControl   <-chan []byte
	tlsRecordFromControl chan<- []byte
	sessionManager       *session.Manager
	wrapper              *tlscrypt.Wrapper
	workersManager       *workers.Manager

	// lastDropLog and droppedSinceLog implement the rate limit for
	// dropped-frame warnings.
	lastDropLog     time.Time
	droppedSinceLog int
}

// logDrop records one dropped frame, emitting at most one warning per
// [dropLogInterval] and folding the suppressed count into the next one.
func (ws *workersState) logDrop(workerName string, err error) {
	ws.droppedSinceLog++
	now := time.Now()
	if now.Sub(ws.lastDropLog) < dropLogInterval {
		return
	}
	ws.logger.Warnf("%s: dropped %d frame(s), last: %s", workerName, ws.droppedSinceLog, err.Error())
	ws.lastDropLog = now
	ws.droppedSinceLog = 0
}

func (ws *workersState) moveUpWorker() {
	workerName := fmt.Sprintf("%s: moveUpWorker", serviceName)

	defer func() {
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	for {
		// POSSIBLY BLOCK on reading the frame moving up the stack
		select {
		case raw := <-ws.wireToControl:
			if len(raw) < 1 {
				continue
			}

			// the key id in the clear part of the header routes the frame
			// to the epoch whose receive window must judge it
			keyID := model.KeyID(raw[0]) & model.MaxKeyID
			keyState, err := ws.sessionManager.KeyForIncoming(keyID)
			if err != nil {
				ws.logDrop(workerName, err)
				continue
			}

			unwrapped, err := ws.wrapper.Unwrap(raw, keyState.ControlRecv)
			if err != nil {
				// forged and replayed frames are dropped without
				// perturbing the session
				if errors.Is(err, tlscrypt.ErrAuthenticationFailed) ||
					errors.Is(err, tlscrypt.ErrReplayDropped) {
					ws.logDrop(workerName, err)
					continue
				}
				ws.logger.Warnf("%s: Unwrap: %s", workerName, err.Error())
				return
			}
			keyState.AddPackets(1, 0)
			ws.sessionManager.SetRemoteSessionID(unwrapped.SessionID)
			ws.logger.Debugf(
				"%s: up %s id=%d ts=%d payload=%d head=%s",
				workerName,
				unwrapped.Opcode,
				unwrapped.PacketID,
				unwrapped.Timestamp,
				len(unwrapped.Plaintext),
				bytesx.HexPrefix(unwrapped.Plaintext, 32),
			)

			// route the packets depending on their opcode
			switch unwrapped.Opcode {

			case model.P_CONTROL_SOFT_RESET_V1:
				// the peer wants new keys: rotate our epochs and ask the
				// TLS layer to run a fresh handshake
				newKey := ws.sessionManager.SoftReset()
				ws.logger.Debugf("%s: peer-initiated soft reset, new key_id=%d", workerName, newKey.KeyID)

				select {
				case ws.notifyTLS <- &model.Notification{Flags: model.NotificationReset}:
					// nothing

				case <-ws.workersManager.ShouldShutdown():
					return
				}

			case model.P_CONTROL_V1:
				// send the record to the TLS layer
				select {
				case ws.tlsRecordFromControl <- unwrapped.Plaintext:
					// nothing

				case <-ws.workersManager.ShouldShutdown():
					return
				}

			default:
				ws.logDrop(workerName, fmt.Errorf("unhandled opcode %s", unwrapped.Opcode))
			}

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}

func (ws *workersState) moveDownWorker() {
	workerName := fmt.Sprintf("%s: moveDownWorker", serviceName)

	defer func() {
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	for {
		// POSSIBLY BLOCK on reading the TLS record moving down the stack
		select {
		case record := <-ws.tlsRecordToControl:
			keyState := ws.sessionManager.ActiveKey()
			frame, packetID, err := ws.wrapper.Wrap(
				model.P_CONTROL_V1,
				keyState.KeyID,
				ws.sessionManager.LocalSessionID(),
				record,
				keyState.ControlSend,
			)
			if err != nil {
				// running out of packet ids is not an error we can absorb
				// here: the epoch must be renegotiated before we send
				// anything else
				if errors.Is(err, replay.ErrExhausted) {
					ws.logger.Warnf("%s: packet id space exhausted, requesting rekey", workerName)
					select {
					case ws.notifyTLS <- &model.Notification{Flags: model.NotificationRekey}:
						continue

					case <-ws.workersManager.ShouldShutdown():
						return
					}
				}
				ws.logger.Warnf("%s: Wrap: %s", workerName, err.Error())
				return
			}
			keyState.AddPackets(0, 1)
			ws.logger.Debugf(
				"%s: down control frame id=%d len=%d",
				workerName,
				packetID,
				len(frame),
			)

			// POSSIBLY BLOCK on sending the frame down the stack
			select {
			case ws.wireFromControl <- frame:
				// nothing

			case <-ws.workersManager.ShouldShutdown():
				return
			}

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}
