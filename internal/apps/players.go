package apps

import (
	"context"
	"log/slog"

	"github.com/callstorm/callstorm/internal/client"
	"github.com/callstorm/callstorm/internal/esl"
	"github.com/callstorm/callstorm/internal/node"
)

// MilliwattTone is the standard 1004 Hz test tone.
const MilliwattTone = "tone_stream://%(251,0,1004)"

// TonePlay is the default load-test callee behavior: parked inbound legs
// are answered, answered inbound legs echo their audio back, and answered
// outbound legs play the milliwatt tone until hangup.
type TonePlay struct {
	logger *slog.Logger
}

// NewTonePlay builds the app.
func NewTonePlay(logger *slog.Logger) *TonePlay {
	if logger == nil {
		logger = slog.Default()
	}
	return &TonePlay{logger: logger.With("component", "toneplay")}
}

func (tp *TonePlay) Registrations() []client.Registration {
	return []client.Registration{
		{Event: "CHANNEL_PARK", Coroutine: tp.onPark},
		{Event: "CHANNEL_ANSWER", Coroutine: tp.onAnswer},
	}
}

// onPark answers inbound legs landing in the park application.
func (tp *TonePlay) onPark(ctx context.Context, ev esl.Event, model node.Model, job *node.Job) {
	sess, ok := model.(*node.Session)
	if !ok || !sess.IsInbound() {
		return
	}
	if _, err := sess.Answer(ctx); err != nil {
		tp.logger.Error("answering parked session failed", "uuid", sess.UUID(), "error", err)
	}
}

// onAnswer starts the media: echo on inbound legs, an endless tone on
// outbound ones.
func (tp *TonePlay) onAnswer(ctx context.Context, ev esl.Event, model node.Model, job *node.Job) {
	sess, ok := model.(*node.Session)
	if !ok {
		return
	}
	var err error
	if sess.IsInbound() {
		err = sess.Echo(ctx)
	} else {
		err = sess.Playback(ctx, map[string]string{"loops": "-1"}, true, MilliwattTone)
	}
	if err != nil {
		tp.logger.Error("starting media failed", "uuid", sess.UUID(), "error", err)
	}
}
