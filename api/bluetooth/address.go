package bluetooth

import (
	"regexp"
	"strings"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/bluetuith-org/audio-bridge/api/errorkinds"
)

// MacAddress holds a Bluetooth hardware address in its normalised,
// upper case, colon-separated form.
type MacAddress string

// NilMacAddress is the zero address.
const NilMacAddress MacAddress = ""

var macAddressRe = regexp.MustCompile(`^(?i:[0-9a-f]{2}:){5}(?i:[0-9a-f]{2})$`)

// AddressPattern matches an address embedded in free text.
var AddressPattern = regexp.MustCompile(`(?i:[0-9a-f]{2}:){5}(?i:[0-9a-f]{2})`)

// ParseMacAddress validates and normalises an address.
func ParseMacAddress(address string) (MacAddress, error) {
	address = strings.TrimSpace(address)
	if !macAddressRe.MatchString(address) {
		return NilMacAddress, fault.Wrap(errorkinds.ErrInvalidAddress,
			fmsg.With("cannot parse '"+address+"'"),
		)
	}

	return MacAddress(strings.ToUpper(address)), nil
}

// MustParseMacAddress is like ParseMacAddress but panics on invalid input.
func MustParseMacAddress(address string) MacAddress {
	m, err := ParseMacAddress(address)
	if err != nil {
		panic(err)
	}

	return m
}

// IsNil reports whether the address is unset.
func (m MacAddress) IsNil() bool {
	return m == NilMacAddress
}

// Equal compares two addresses ignoring case.
func (m MacAddress) Equal(other MacAddress) bool {
	return strings.EqualFold(string(m), string(other))
}

// String converts a MacAddress to a string.
func (m MacAddress) String() string {
	return string(m)
}
