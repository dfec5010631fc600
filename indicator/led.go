package indicator

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/ftag"
)

// Pattern is an LED output. A pattern with both durations set blinks,
// otherwise the LED is held steady at On > 0.
type Pattern struct {
	On  time.Duration
	Off time.Duration
}

var (
	PatternOff      = Pattern{}
	PatternOn       = Pattern{On: time.Second}
	PatternBusy     = Pattern{On: time.Second, Off: time.Second}
	PatternShutdown = Pattern{On: 500 * time.Millisecond, Off: 500 * time.Millisecond}
	PatternFailure  = Pattern{On: 250 * time.Millisecond, Off: 250 * time.Millisecond}
)

// Blinks reports whether the pattern uses the timer trigger.
func (p Pattern) Blinks() bool {
	return p.On > 0 && p.Off > 0
}

// LED drives one LED of the sysfs LED class.
type LED struct {
	dir string
}

// NewLED returns the LED named name under root, usually /sys/class/leds.
func NewLED(root, name string) *LED {
	return &LED{dir: filepath.Join(root, name)}
}

// Apply sets the LED to p.
func (l *LED) Apply(p Pattern) error {
	if p.Blinks() {
		return l.write(
			attribute{"trigger", "timer"},
			attribute{"delay_on", milliseconds(p.On)},
			attribute{"delay_off", milliseconds(p.Off)},
		)
	}

	brightness := "0"
	if p.On > 0 {
		brightness = l.maxBrightness()
	}

	return l.write(
		attribute{"trigger", "none"},
		attribute{"brightness", brightness},
	)
}

type attribute struct {
	name, value string
}

func (l *LED) write(attributes ...attribute) error {
	for _, a := range attributes {
		path := filepath.Join(l.dir, a.name)

		if err := os.WriteFile(path, []byte(a.value), 0o644); err != nil {
			return fault.Wrap(err,
				fctx.With(context.Background(), "led_attribute", path),
				ftag.With(ftag.Internal),
			)
		}
	}

	return nil
}

func (l *LED) maxBrightness() string {
	data, err := os.ReadFile(filepath.Join(l.dir, "max_brightness"))
	if err != nil {
		return "1"
	}

	if value := strings.TrimSpace(string(data)); value != "" {
		return value
	}

	return "1"
}

func milliseconds(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}
