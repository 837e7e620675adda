// Package voice runs the speech-to-speech turn: record, transcribe, ask the
// chat backend, synthesize the answer and play it.
//
// The Orchestrator is a small state machine with four states:
//
//	idle ──StartRecording──▶ recording ──StopAndProcess──▶ processing
//	  ▲                                                        │
//	  └──────────── playback ends ◀── playing ◀── audio starts ┘
//
// Cancel returns to idle from any state. A failing step also returns to
// idle, with a human-readable error stored on the snapshot; text already
// produced by earlier steps (the transcript, the response) is kept for
// display.
//
// # Usage
//
//	orch, err := voice.New(voice.Deps{
//	    Recorder:    recorder,
//	    Transcriber: backend,
//	    Chat:        correlator,
//	    Synthesizer: backend,
//	    Player:      player,
//	}, voice.WithSessions(store))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	orch.OnChange(func(s voice.Snapshot) {
//	    fmt.Println(s.State, s.Error)
//	})
//
//	_ = orch.StartRecording(ctx)
//	// ... user speaks ...
//	err = orch.StopAndProcess(ctx)
//
// # Cancellation
//
// Network calls cannot always be aborted, so cancellation is cooperative.
// Every Cancel bumps a generation counter; a pipeline step that finishes
// after its generation has been superseded drops its result without
// touching state. The run context is cancelled as well, so HTTP calls that
// honor it return early.
//
// # Metrics
//
// A MetricsCollector records per-step latencies for every turn and keeps a
// rolling history for averages. Share one collector with the chat
// correlator's OnChunk hook to capture time to first token.
package voice
