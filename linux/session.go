// Package linux implements the control channel over the BlueZ D-Bus API.
package linux

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
	"github.com/bluetuith-org/audio-bridge/api/config"
	"github.com/bluetuith-org/audio-bridge/api/errorkinds"
	"github.com/bluetuith-org/audio-bridge/internal/eventqueue"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

// BluezSession is a control channel backed by the BlueZ daemon on the system bus.
type BluezSession struct {
	cfg config.Configuration
	log zerolog.Logger

	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
	agent       *agent

	signals chan *dbus.Signal
	queue   *eventqueue.Queue

	sessionClosed atomic.Bool
	stop          chan struct{}
	listenerDone  chan struct{}
	closeOnce     sync.Once
}

var _ bluetooth.ControlChannel = (*BluezSession)(nil)

var signalRules = []string{
	"type='signal',interface='" + propsIface + "',member='PropertiesChanged',path_namespace='" + bluezRoot + "'",
	"type='signal',interface='" + objManagerIface + "',member='InterfacesAdded'",
	"type='signal',interface='" + busIface + "',member='NameOwnerChanged',arg0='" + bluezBusName + "'",
}

// Dial connects to the system bus, registers the pairing agent backed by
// authorizer and prepares the adapter for pairing.
func Dial(ctx context.Context, cfg config.Configuration, authorizer bluetooth.SessionAuthorizer, log zerolog.Logger) (*BluezSession, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, dialError(err, "system-bus")
	}

	present, err := bluezPresent(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, dialError(err, "list-names")
	}
	if !present {
		conn.Close()
		return nil, fault.Wrap(errorkinds.ErrChannelClosed,
			ftag.With(ftag.NotFound),
			fmsg.With("org.bluez not found on system bus, is bluetooth.service running?"),
		)
	}

	for _, rule := range signalRules {
		if err := conn.BusObject().CallWithContext(ctx, busIface+".AddMatch", 0, rule).Err; err != nil {
			conn.Close()
			return nil, dialError(err, "add-match")
		}
	}

	b := &BluezSession{
		cfg:          cfg,
		log:          log,
		conn:         conn,
		adapterPath:  dbus.ObjectPath(bluezRoot + "/" + cfg.Adapter),
		signals:      make(chan *dbus.Signal, 32),
		queue:        eventqueue.New(),
		stop:         make(chan struct{}),
		listenerDone: make(chan struct{}),
	}
	b.agent = newAgent(authorizer, cfg.AuthTimeout, b.adapterPath, log)

	conn.Signal(b.signals)
	go b.listenForEvents()

	if err := b.agent.register(ctx, conn); err != nil {
		b.Close()
		return nil, dialError(err, "register-agent")
	}

	for _, cmd := range []bluetooth.Command{
		bluetooth.SetPowered(true),
		bluetooth.SetPairable(true),
		bluetooth.SetDiscoverable(true),
	} {
		if _, err := b.Send(ctx, cmd); err != nil {
			if errors.Is(err, errorkinds.ErrChannelClosed) {
				b.Close()
				return nil, err
			}

			log.Warn().Err(err).Str("command", cmd.String()).Msg("Adapter preparation command failed")
		}
	}

	log.Info().Str("adapter", string(b.adapterPath)).Msg("BlueZ session started")

	return b, nil
}

// Send performs cmd on the bus. Pair and connect return once the request is
// dispatched; their outcome arrives as a control event.
func (b *BluezSession) Send(ctx context.Context, cmd bluetooth.Command) (bluetooth.Response, error) {
	response := bluetooth.Response{Command: cmd}

	if b.sessionClosed.Load() {
		return response, closedError(cmd)
	}

	if _, err := bluetooth.ParseCommand(cmd.String()); err != nil {
		return response, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.CommandTimeout)
	defer cancel()

	var err error

	switch cmd.Name {
	case bluetooth.CommandScan:
		method := adapterIface + ".StopDiscovery"
		if cmd.State {
			method = adapterIface + ".StartDiscovery"
		}

		err = b.object(b.adapterPath).CallWithContext(ctx, method, 0).Err

	case bluetooth.CommandPair:
		b.dispatch(cmd, deviceIface+".Pair", bluetooth.NewPairingCompleteEvent(cmd.Address, false))

	case bluetooth.CommandConnect:
		b.dispatch(cmd, deviceIface+".Connect", bluetooth.NewDisconnectedEvent(cmd.Address))

	case bluetooth.CommandDisconnect:
		err = b.object(deviceObjectPath(b.adapterPath, cmd.Address)).CallWithContext(ctx, deviceIface+".Disconnect", 0).Err

	case bluetooth.CommandTrust:
		err = b.setProperty(ctx, deviceObjectPath(b.adapterPath, cmd.Address), deviceIface, "Trusted", true)

	case bluetooth.CommandMediaKey:
		var player mediaPlayer

		player, err = b.connectedPlayer(ctx)
		if err == nil {
			err = player.send(ctx, cmd.Key)
		}

	case bluetooth.CommandPairedDevices:
		response.Devices, err = b.pairedDevices(ctx)

	case bluetooth.CommandPlayerStatus:
		var player mediaPlayer

		player, err = b.connectedPlayer(ctx)
		if err == nil {
			response.Playback, err = player.Status(ctx)
		}

	case bluetooth.CommandPower:
		err = b.setProperty(ctx, b.adapterPath, adapterIface, "Powered", cmd.State)

	case bluetooth.CommandPairable:
		err = b.setProperty(ctx, b.adapterPath, adapterIface, "Pairable", cmd.State)

	case bluetooth.CommandDiscoverable:
		err = b.setProperty(ctx, b.adapterPath, adapterIface, "Discoverable", cmd.State)

	case bluetooth.CommandAgent, bluetooth.CommandDefaultAgent:
		// The agent is registered when the session is dialed.

	default:
		return response, fault.Wrap(errorkinds.ErrNotSupported,
			fctx.With(ctx, "command", cmd.String()),
		)
	}

	if err != nil {
		return response, b.callError(ctx, cmd, err)
	}

	return response, nil
}

// Events returns the notification stream.
func (b *BluezSession) Events() <-chan bluetooth.ControlEvent {
	return b.queue.Out()
}

// Close unregisters the agent and disconnects from the bus.
func (b *BluezSession) Close() error {
	var err error

	b.closeOnce.Do(func() {
		b.sessionClosed.Store(true)

		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.CommandTimeout)
		b.agent.unregister(ctx, b.conn)
		cancel()

		close(b.stop)
		<-b.listenerDone

		b.conn.RemoveSignal(b.signals)
		err = b.conn.Close()
		b.queue.Shutdown()

		b.log.Info().Msg("BlueZ session closed")
	})

	return err
}

// dispatch issues a long running device call without waiting for it.
// On failure, onFailure is delivered as a control event.
func (b *BluezSession) dispatch(cmd bluetooth.Command, method string, onFailure bluetooth.ControlEvent) {
	call := b.object(deviceObjectPath(b.adapterPath, cmd.Address)).Go(method, 0, make(chan *dbus.Call, 1))

	go func() {
		select {
		case <-call.Done:
		case <-b.stop:
			return
		}

		if call.Err != nil {
			b.log.Warn().Err(call.Err).Str("command", cmd.String()).Msg("Device call failed")
			b.queue.Push(onFailure)
		}
	}()
}

func (b *BluezSession) pairedDevices(ctx context.Context) ([]bluetooth.DeviceData, error) {
	objects, err := b.managedObjects(ctx)
	if err != nil {
		return nil, err
	}

	var devices []bluetooth.DeviceData

	for path, ifaces := range objects {
		props, ok := ifaces[deviceIface]
		if !ok || !isDevicePath(b.adapterPath, path) {
			continue
		}

		address, _ := addressFromPath(b.adapterPath, path)
		if device := deviceFromProperties(address, props); device.Paired {
			devices = append(devices, device)
		}
	}

	return devices, nil
}

func (b *BluezSession) listenForEvents() {
	defer func() {
		b.sessionClosed.Store(true)
		close(b.listenerDone)
		b.queue.Close()
	}()

	for {
		select {
		case <-b.stop:
			return

		case signal, ok := <-b.signals:
			if !ok {
				return
			}

			if bluezVanished(signal) {
				b.log.Error().Msg("org.bluez left the system bus")
				return
			}

			for _, ev := range translateSignal(b.adapterPath, signal) {
				b.queue.Push(ev)
			}
		}
	}
}

func (b *BluezSession) callError(ctx context.Context, cmd bluetooth.Command, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fault.Wrap(errorkinds.ErrTimeout, fctx.With(ctx, "command", cmd.String()))

	case b.sessionClosed.Load() || !b.conn.Connected():
		return closedError(cmd)
	}

	return fault.Wrap(errorkinds.NewProtocolError(err.Error()),
		fctx.With(ctx, "command", cmd.String()),
		ftag.With(ftag.Internal),
	)
}

func dialError(err error, at string) error {
	return fault.Wrap(errorkinds.ErrChannelClosed,
		fctx.With(context.Background(), "error_at", at),
		ftag.With(ftag.Internal),
		fmsg.With("Cannot open BlueZ session: "+err.Error()),
	)
}

func closedError(cmd bluetooth.Command) error {
	return fault.Wrap(errorkinds.ErrChannelClosed,
		fctx.With(context.Background(), "command", cmd.String()),
	)
}
