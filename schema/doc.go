// Package schema validates event payloads before they reach a handler.
//
// Each event type registers a Schema describing the payload properties and the
// range of envelope versions it accepts, expressed as a semver constraint over
// "<eventVersion>.0.0". Payloads are checked in their decoded JSON form so a
// wrong type or a missing field is reported before any Go decoding happens.
//
// Basic usage:
//
//	registry := schema.Events()
//	if err := registry.Validate(env.EventType, env.EventVersion, env.Data); err != nil {
//	    // reject the message
//	}
package schema
