// # Realtime Relay
//
// Package relay is a websocket proxy between end-user clients streaming 16 kHz PCM16 microphone audio and an upstream realtime conversational gateway. Each accepted client connection is paired with its own upstream connection; the pair is run by a Session, which translates client audio into upstream input_audio_buffer events, reconciles the upstream event stream into a Conversation, and forwards audio deltas and transcripts back to the client as small JSON envelopes.
//
// A Manager serves the client endpoint, dials the upstream leg for every new client and tears both legs down together when either one fails.
package relay
