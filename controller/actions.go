package controller

import "github.com/bluetuith-org/audio-bridge/api/bluetooth"

// Action is what a button event asks the bridge to do.
type Action uint8

const (
	ActionNone Action = iota
	ActionPrevious
	ActionPlayPause
	ActionNext
	ActionShutdown
	ActionPair
	ActionConnect
)

// String converts an Action to a string.
func (a Action) String() string {
	switch a {
	case ActionPrevious:
		return "previous"
	case ActionPlayPause:
		return "play-pause"
	case ActionNext:
		return "next"
	case ActionShutdown:
		return "shutdown"
	case ActionPair:
		return "pair"
	case ActionConnect:
		return "connect"
	}

	return "none"
}

// ActionFor maps a button event to its action:
//
//	button  press       hold
//	1       previous    shutdown
//	2       play/pause  pair
//	3       next        connect
func ActionFor(ev bluetooth.ButtonEvent) Action {
	type key struct {
		id   bluetooth.ButtonID
		kind bluetooth.PressKind
	}

	switch (key{ev.ID, ev.Kind}) {
	case key{bluetooth.ButtonPrevious, bluetooth.Press}:
		return ActionPrevious
	case key{bluetooth.ButtonPrevious, bluetooth.Hold}:
		return ActionShutdown
	case key{bluetooth.ButtonPlayPause, bluetooth.Press}:
		return ActionPlayPause
	case key{bluetooth.ButtonPlayPause, bluetooth.Hold}:
		return ActionPair
	case key{bluetooth.ButtonNext, bluetooth.Press}:
		return ActionNext
	case key{bluetooth.ButtonNext, bluetooth.Hold}:
		return ActionConnect
	}

	return ActionNone
}
