// Package gateway defines the boundary to the upstream gateway client. The
// transport itself (handshake, heartbeat, resync) lives outside this repo;
// the mirror only consumes a stream of raw events that may be duplicated,
// reordered or gapped across reconnects.
package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"guildmirror/pkg/model"
)

// RawEvent is one undecoded unit from the gateway stream.
type RawEvent struct {
	// Name is the upstream event type, e.g. CHANNEL_UPDATE.
	Name string
	// Sequence is the gateway sequence number, or model.SeqNone when the
	// transport did not supply one.
	Sequence int64
	// Payload is the post-mutation object as delivered upstream.
	Payload json.RawMessage
	// ReceivedAt is when the transport handed the event over.
	ReceivedAt time.Time
}

// Source delivers raw events. Implementations close the channel when the
// stream ends.
type Source interface {
	Events() <-chan RawEvent
	Close() error
}

// replayLine is the JSON-lines format consumed by ReplaySource:
// {"t":"CHANNEL_CREATE","s":12,"d":{...}}
type replayLine struct {
	Type     string          `json:"t"`
	Sequence *int64          `json:"s"`
	Data     json.RawMessage `json:"d"`
}

// ReplaySource reads raw events from a JSON-lines stream. It backs local runs
// and end-to-end tests; a production deployment injects the real gateway
// client instead.
type ReplaySource struct {
	session string
	out     chan RawEvent
	closer  io.Closer
}

// NewReplaySource starts decoding r in the background. If r is an io.Closer
// it is closed together with the source.
func NewReplaySource(r io.Reader) *ReplaySource {
	src := &ReplaySource{
		session: uuid.NewString(),
		out:     make(chan RawEvent, 64),
	}
	if c, ok := r.(io.Closer); ok {
		src.closer = c
	}
	go src.run(r)
	return src
}

// Session identifies this replay stream in logs.
func (s *ReplaySource) Session() string { return s.session }

// Events implements Source.
func (s *ReplaySource) Events() <-chan RawEvent { return s.out }

// Close implements Source.
func (s *ReplaySource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func (s *ReplaySource) run(r io.Reader) {
	defer close(s.out)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rl replayLine
		if err := json.Unmarshal(line, &rl); err != nil {
			// Skip unparseable lines; the normalizer counts malformed
			// payloads, but a broken replay line never even forms an event.
			continue
		}
		seq := model.SeqNone
		if rl.Sequence != nil {
			seq = *rl.Sequence
		}
		s.out <- RawEvent{
			Name:       rl.Type,
			Sequence:   seq,
			Payload:    rl.Data,
			ReceivedAt: time.Now().UTC(),
		}
	}
}

// ChanSource adapts an existing channel of raw events, e.g. one fed by a real
// gateway client.
type ChanSource struct {
	ch <-chan RawEvent
}

func NewChanSource(ch <-chan RawEvent) *ChanSource { return &ChanSource{ch: ch} }

func (s *ChanSource) Events() <-chan RawEvent { return s.ch }

func (s *ChanSource) Close() error { return nil }

var _ Source = (*ReplaySource)(nil)
var _ Source = (*ChanSource)(nil)

// String implements fmt.Stringer for logging.
func (e RawEvent) String() string {
	return fmt.Sprintf("%s seq=%d bytes=%d", e.Name, e.Sequence, len(e.Payload))
}
