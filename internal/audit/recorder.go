package audit

import "context"

// Recorder submits an event the engine raises about its own activity back
// into the audit stream. The submission service implements it.
type Recorder interface {
	Record(ctx context.Context, event *Event) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, event *Event) error

func (f RecorderFunc) Record(ctx context.Context, event *Event) error { return f(ctx, event) }

// NopRecorder discards events.
var NopRecorder Recorder = RecorderFunc(func(context.Context, *Event) error { return nil })
