// Package buttons turns the press/hold token streams of the physical
// buttons into one ordered sequence of button events.
package buttons

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/ftag"
	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
	"github.com/bluetuith-org/audio-bridge/api/config"
	"github.com/rs/zerolog"
)

// ReopenDelay is the wait before a line stream is opened again after it ended or failed.
const ReopenDelay = time.Second

// Opener opens the token stream of a line.
type Opener func(path string) (io.ReadCloser, error)

// Source reads every configured line and merges their events.
type Source struct {
	lines []config.ButtonLine
	open  Opener
	log   zerolog.Logger

	events chan bluetooth.ButtonEvent
	wg     sync.WaitGroup
}

// NewSource returns a source for lines. A nil open uses OpenStream.
func NewSource(lines []config.ButtonLine, open Opener, log zerolog.Logger) *Source {
	if open == nil {
		open = OpenStream
	}

	return &Source{
		lines:  lines,
		open:   open,
		log:    log,
		events: make(chan bluetooth.ButtonEvent, 16),
	}
}

// Events returns the merged event sequence. It is closed once Run returns.
func (s *Source) Events() <-chan bluetooth.ButtonEvent {
	return s.events
}

// Run reads all lines until ctx is done.
func (s *Source) Run(ctx context.Context) {
	for _, line := range s.lines {
		if !line.ID.Valid() {
			s.log.Warn().Int("button", int(line.ID)).Str("path", line.Path).Msg("Skipping unknown button")
			continue
		}

		s.wg.Add(1)
		go s.readLine(ctx, line)
	}

	s.wg.Wait()
	close(s.events)
}

func (s *Source) readLine(ctx context.Context, line config.ButtonLine) {
	defer s.wg.Done()

	log := s.log.With().Int("button", int(line.ID)).Int("gpio", line.GPIO).Logger()

	for ctx.Err() == nil {
		stream, err := s.open(line.Path)
		if err != nil {
			log.Warn().Err(lineError(err, line)).Msg("Cannot open button stream")
		} else {
			stop := context.AfterFunc(ctx, func() { stream.Close() })
			s.scan(ctx, line, stream, log)
			stop()
			stream.Close()
		}

		select {
		case <-ctx.Done():
		case <-time.After(ReopenDelay):
		}
	}
}

func (s *Source) scan(ctx context.Context, line config.ButtonLine, stream io.Reader, log zerolog.Logger) {
	scanner := bufio.NewScanner(stream)
	scanner.Split(bufio.ScanWords)

	for scanner.Scan() {
		token := strings.ToLower(scanner.Text())

		kind, ok := bluetooth.ParsePressKind(token)
		if !ok {
			log.Warn().Str("token", token).Msg("Unknown button token")
			continue
		}

		log.Debug().Stringer("kind", kind).Msg("Button event")

		select {
		case s.events <- bluetooth.ButtonEvent{ID: line.ID, Kind: kind}:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.Warn().Err(lineError(err, line)).Msg("Button stream read failed")
	}
}

// OpenStream opens path for reading. A named pipe is opened read-write so
// that the open does not wait for a writer and the stream does not end
// when the writer restarts.
func OpenStream(path string) (io.ReadCloser, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	flag := os.O_RDONLY
	if info.Mode()&os.ModeNamedPipe != 0 {
		flag = os.O_RDWR
	}

	return os.OpenFile(path, flag, 0)
}

func lineError(err error, line config.ButtonLine) error {
	return fault.Wrap(err,
		fctx.With(context.Background(), "path", line.Path),
		ftag.With(ftag.Internal),
	)
}
