package linux

import (
	"context"
	"time"

	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	agentPath       = dbus.ObjectPath("/org/bluetuith/audio_bridge/agent")
	agentCapability = "NoInputNoOutput"

	// Fixed credentials for legacy pairing requests, the bridge has no way to enter them.
	legacyPinCode = "0000"
	legacyPasskey = uint32(0)
)

var errRejected = &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []any{"Rejected by authorizer"}}

// agent is the org.bluez.Agent1 implementation handed to BlueZ. Every
// request is forwarded to the session authorizer.
type agent struct {
	authorizer bluetooth.SessionAuthorizer
	timeout    time.Duration
	adapter    dbus.ObjectPath
	log        zerolog.Logger
}

func newAgent(authorizer bluetooth.SessionAuthorizer, timeout time.Duration, adapter dbus.ObjectPath, log zerolog.Logger) *agent {
	if authorizer == nil {
		authorizer = bluetooth.DefaultAuthorizer{}
	}

	return &agent{
		authorizer: authorizer,
		timeout:    timeout,
		adapter:    adapter,
		log:        log.With().Str("agent", string(agentPath)).Logger(),
	}
}

func (a *agent) register(ctx context.Context, conn *dbus.Conn) error {
	if err := conn.Export(a, agentPath, agentIface); err != nil {
		return err
	}

	manager := conn.Object(bluezBusName, bluezRoot)
	if err := manager.CallWithContext(ctx, agentManagerIface+".RegisterAgent", 0, agentPath, agentCapability).Err; err != nil {
		return err
	}

	return manager.CallWithContext(ctx, agentManagerIface+".RequestDefaultAgent", 0, agentPath).Err
}

func (a *agent) unregister(ctx context.Context, conn *dbus.Conn) {
	manager := conn.Object(bluezBusName, bluezRoot)
	if err := manager.CallWithContext(ctx, agentManagerIface+".UnregisterAgent", 0, agentPath).Err; err != nil {
		a.log.Debug().Err(err).Msg("Cannot unregister agent")
	}

	_ = conn.Export(nil, agentPath, agentIface)
}

func (a *agent) Release() *dbus.Error {
	return nil
}

func (a *agent) Cancel() *dbus.Error {
	a.log.Debug().Msg("Authentication request cancelled")
	return nil
}

func (a *agent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	if err := a.authorize(device, bluetooth.AuthEventData{EventID: bluetooth.AuthorizePairing}); err != nil {
		return "", err
	}

	return legacyPinCode, nil
}

func (a *agent) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	return a.authorize(device, bluetooth.AuthEventData{
		EventID:     bluetooth.DisplayPinCode,
		ReplyMethod: bluetooth.ReplyWithInput,
		Pincode:     pincode,
	})
}

func (a *agent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	if err := a.authorize(device, bluetooth.AuthEventData{EventID: bluetooth.AuthorizePairing}); err != nil {
		return 0, err
	}

	return legacyPasskey, nil
}

func (a *agent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	return a.authorize(device, bluetooth.AuthEventData{
		EventID:     bluetooth.DisplayPasskey,
		ReplyMethod: bluetooth.ReplyWithInput,
		Passkey:     passkey,
		Entered:     entered,
	})
}

func (a *agent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	return a.authorize(device, bluetooth.AuthEventData{
		EventID:     bluetooth.ConfirmPasskey,
		ReplyMethod: bluetooth.ReplyYesNo,
		Passkey:     passkey,
	})
}

func (a *agent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	return a.authorize(device, bluetooth.AuthEventData{
		EventID:     bluetooth.AuthorizePairing,
		ReplyMethod: bluetooth.ReplyYesNo,
	})
}

func (a *agent) AuthorizeService(device dbus.ObjectPath, serviceUUID string) *dbus.Error {
	id, err := uuid.Parse(serviceUUID)
	if err != nil {
		a.log.Warn().Str("uuid", serviceUUID).Msg("Invalid service UUID in authorization request")
		return errRejected
	}

	return a.authorize(device, bluetooth.AuthEventData{
		EventID:     bluetooth.AuthorizeService,
		ReplyMethod: bluetooth.ReplyYesNo,
		UUID:        id,
	})
}

func (a *agent) authorize(device dbus.ObjectPath, event bluetooth.AuthEventData) *dbus.Error {
	address, ok := addressFromPath(a.adapter, device)
	if !ok {
		return errRejected
	}

	event.Address = address
	event.Timeout = a.timeout

	err := event.CallAuthorizer(a.authorizer, func(ev bluetooth.AuthEventData, reply bluetooth.AuthReply, err error) {
		a.log.Info().
			Str("event", string(ev.EventID)).
			Str("address", ev.Address.String()).
			Str("reply", reply.Reply).
			AnErr("error", err).
			Msg("Authentication request")
	})
	if err != nil {
		return errRejected
	}

	return nil
}
