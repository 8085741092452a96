package inspector

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/deskmux/internal/logx"
	"github.com/gaspardpetit/deskmux/internal/wsmux"
)

// Recorder is a wsmux.Tap writing every entry to a Journal.
type Recorder struct {
	journal Journal
	timeout time.Duration
	log     zerolog.Logger
}

var _ wsmux.Tap = (*Recorder)(nil)

// NewRecorder records into j.
func NewRecorder(j Journal) *Recorder {
	return &Recorder{journal: j, timeout: time.Second, log: logx.Component("inspector")}
}

// Journal returns the journal entries are written to.
func (r *Recorder) Journal() Journal { return r.journal }

func (r *Recorder) Sent(e wsmux.Entry) { r.append(e) }

func (r *Recorder) Received(e wsmux.Entry) { r.append(e) }

func (r *Recorder) append(e wsmux.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.journal.Append(ctx, e); err != nil {
		r.log.Warn().Err(err).Str("direction", e.Direction).Msg("journal append failed")
	}
}
