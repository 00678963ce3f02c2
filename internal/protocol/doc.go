// Package protocol implements the relay's wire surface: the 13-byte
// binary audio framing and the JSON control/status messages exchanged
// on the streaming endpoints.
package protocol
