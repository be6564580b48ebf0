// Package instrument records LLM vendor calls as session activity.
//
// An Instrumenter wraps a single call, measures its latency, opens a trace
// span and feeds a core.Delta into a Recorder (normally a *tracker.Tracker).
// The vendor specific decorators live in the openai and anthropic
// subpackages. Recording failures never fail the wrapped call.
package instrument
