package bluetooth

import (
	"context"
	"strconv"
	"time"

	"github.com/bluetuith-org/audio-bridge/api/errorkinds"
	"github.com/google/uuid"
)

// SessionAuthorizer describes an authentication interface for authorizing pairing requests.
type SessionAuthorizer interface {
	AuthorizeDevicePairing
}

// AuthorizeDevicePairing describes the pairing related authorization callbacks.
// Returning a non-nil error rejects the request.
type AuthorizeDevicePairing interface {
	DisplayPinCode(timeout AuthTimeout, address MacAddress, pincode string) error
	DisplayPasskey(timeout AuthTimeout, address MacAddress, passkey uint32, entered uint16) error
	ConfirmPasskey(timeout AuthTimeout, address MacAddress, passkey uint32) error
	AuthorizePairing(timeout AuthTimeout, address MacAddress) error
	AuthorizeService(timeout AuthTimeout, address MacAddress, uuid uuid.UUID) error
}

// AuthTimeout describes an authentication timeout duration.
// The context value is created with 'context.WithTimeout()'.
type AuthTimeout struct {
	ctx    context.Context
	cancel context.CancelFunc
}

type AuthEventID string

const (
	AuthEventNone    AuthEventID = "auth-event-none"
	DisplayPinCode   AuthEventID = "display-pincode"
	DisplayPasskey   AuthEventID = "display-passkey"
	ConfirmPasskey   AuthEventID = "confirm-passkey"
	AuthorizePairing AuthEventID = "authorize-pairing"
	AuthorizeService AuthEventID = "authorize-service"
)

type AuthReplyMethod string

const (
	ReplyNone      AuthReplyMethod = "reply-none"
	ReplyYesNo     AuthReplyMethod = "reply-yes-no"
	ReplyWithInput AuthReplyMethod = "reply-with-input"
)

type AuthReply struct {
	ReplyMethod AuthReplyMethod
	Reply       string
}

// AuthEventData describes an authentication event.
type AuthEventData struct {
	EventID     AuthEventID     `json:"auth_event,omitempty"`
	ReplyMethod AuthReplyMethod `json:"auth_reply_method,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty"`
	Address MacAddress    `json:"address,omitempty"`

	Pincode string `json:"pincode,omitempty"`

	Passkey uint32 `json:"passkey,omitempty"`
	Entered uint16 `json:"entered,omitempty"`

	UUID uuid.UUID `json:"uuid,omitempty"`
}

// CallAuthorizer dispatches the event to the matching authorizer callback,
// and reports the outcome through cb.
func (a *AuthEventData) CallAuthorizer(authorizer SessionAuthorizer, cb func(authEvent AuthEventData, reply AuthReply, err error)) error {
	if authorizer == nil {
		return errorkinds.ErrNotSupported
	}

	var authfn func(AuthTimeout) (AuthReply, error)

	switch a.EventID {
	case DisplayPinCode:
		authfn = func(t AuthTimeout) (AuthReply, error) {
			return AuthReply{ReplyWithInput, a.Pincode}, authorizer.DisplayPinCode(t, a.Address, a.Pincode)
		}

	case DisplayPasskey:
		authfn = func(t AuthTimeout) (AuthReply, error) {
			return AuthReply{ReplyWithInput, strconv.FormatUint(uint64(a.Passkey), 10)}, authorizer.DisplayPasskey(t, a.Address, a.Passkey, a.Entered)
		}

	case ConfirmPasskey:
		authfn = func(t AuthTimeout) (AuthReply, error) {
			return AuthReply{ReplyYesNo, "yes"}, authorizer.ConfirmPasskey(t, a.Address, a.Passkey)
		}

	case AuthorizePairing:
		authfn = func(t AuthTimeout) (AuthReply, error) {
			return AuthReply{ReplyYesNo, "yes"}, authorizer.AuthorizePairing(t, a.Address)
		}

	case AuthorizeService:
		authfn = func(t AuthTimeout) (AuthReply, error) {
			return AuthReply{ReplyYesNo, "yes"}, authorizer.AuthorizeService(t, a.Address, a.UUID)
		}
	}

	if authfn == nil {
		return errorkinds.ErrNotSupported
	}

	timeout := NewAuthTimeout(a.Timeout)
	defer timeout.Cancel()

	reply, err := authfn(timeout)
	if cb != nil {
		cb(*a, reply, err)
	}

	return err
}

// NewAuthTimeout returns a new authentication timeout token.
func NewAuthTimeout(timeout time.Duration) AuthTimeout {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	return AuthTimeout{ctx, cancel}
}

// Done returns the inner context's Done() channel.
func (a *AuthTimeout) Done() <-chan struct{} {
	return a.ctx.Done()
}

// Cancel cancels the inner context.
func (a *AuthTimeout) Cancel() {
	a.cancel()
}

// DefaultAuthorizer accepts every request. The bridge has no input or
// display, so pairing is always confirmed on the source device.
type DefaultAuthorizer struct{}

// DisplayPinCode accepts all display pincode requests.
func (DefaultAuthorizer) DisplayPinCode(AuthTimeout, MacAddress, string) error {
	return nil
}

// DisplayPasskey accepts all display passkey requests.
func (DefaultAuthorizer) DisplayPasskey(AuthTimeout, MacAddress, uint32, uint16) error {
	return nil
}

// ConfirmPasskey accepts all passkey confirmation requests.
func (DefaultAuthorizer) ConfirmPasskey(AuthTimeout, MacAddress, uint32) error {
	return nil
}

// AuthorizePairing accepts all pairing authorization requests.
func (DefaultAuthorizer) AuthorizePairing(AuthTimeout, MacAddress) error {
	return nil
}

// AuthorizeService accepts all service (Bluetooth profile) authorization requests.
func (DefaultAuthorizer) AuthorizeService(AuthTimeout, MacAddress, uuid.UUID) error {
	return nil
}
