package commands

import (
	"regexp"
	"strings"

	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
)

// Outcome is the result of matching a response line against an Expectation.
type Outcome uint8

const (
	// OutcomeIgnored means the line does not belong to the command.
	OutcomeIgnored Outcome = iota

	// OutcomeSuccess completes the command successfully.
	OutcomeSuccess

	// OutcomeFailure completes the command with a protocol error.
	OutcomeFailure

	// OutcomeEntry is one entry of a list command's output.
	OutcomeEntry
)

// genericFailures are reported by bluetoothctl for any command.
var genericFailures = []string{
	"not available",
	"Invalid command",
	"Invalid argument",
	"Missing",
	"No default controller available",
	"org.bluez.Error.",
}

// Expectation describes how bluetoothctl answers a command.
type Expectation struct {
	Command bluetooth.Command

	// Text is the line written to bluetoothctl.
	Text string

	Success []string
	Failure []string

	// Entries matches the lines of a list command. Such commands have
	// no success marker and complete once the output settles.
	Entries *regexp.Regexp
}

// IsList reports whether the command collects entries until output settles.
func (e *Expectation) IsList() bool {
	return e.Entries != nil
}

// Match classifies a cleaned response line.
func (e *Expectation) Match(line string) Outcome {
	if e.Entries != nil && e.Entries.MatchString(line) {
		return OutcomeEntry
	}

	for _, marker := range e.Success {
		if strings.Contains(line, marker) {
			return OutcomeSuccess
		}
	}

	for _, marker := range e.Failure {
		if strings.Contains(line, marker) {
			return OutcomeFailure
		}
	}

	for _, marker := range genericFailures {
		if strings.Contains(line, marker) {
			return OutcomeFailure
		}
	}

	return OutcomeIgnored
}
