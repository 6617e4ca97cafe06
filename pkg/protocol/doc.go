// Package protocol defines the JSON control frames exchanged between clients,
// the gateway and workers.
//
// Every frame is a JSON object discriminated by its "type" field. Decode
// returns one concrete Message per kind; frames whose first byte is not '{'
// are raw media and never reach Decode. Consumers switch on the concrete type
// and log anything they do not expect in the default branch.
package protocol
