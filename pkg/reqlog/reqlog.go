// Package reqlog records completed proxy requests.
package reqlog

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event describes one completed request.
type Event struct {
	Format  string
	Headers map[string]string
	Status  map[string]any
}

// RequestLogger receives one Event per served request, after the response
// has been written.
type RequestLogger interface {
	RequestProcessed(ev Event)
}

// Zerolog writes each event as one structured log line tagged with a fresh
// request id.
type Zerolog struct {
	log zerolog.Logger
}

// New returns a RequestLogger writing to log at info level.
func New(log zerolog.Logger) *Zerolog {
	return &Zerolog{log: log}
}

func (z *Zerolog) RequestProcessed(ev Event) {
	z.log.Info().
		Str("request_id", uuid.NewString()).
		Str("format", ev.Format).
		Interface("headers", ev.Headers).
		Interface("status", ev.Status).
		Msg("Request processed")
}

// Nop discards every event.
type Nop struct{}

func (Nop) RequestProcessed(Event) {}
