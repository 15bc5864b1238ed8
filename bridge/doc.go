// Package bridge translates fleet requests into the wire format a tool
// instance speaks and correlates the replies.
//
// Every connection type (stdio pipe, HTTP endpoint, WebSocket) implements the
// same Transport contract and shares one correlator, so callers see identical
// id matching, deadline and failure semantics regardless of the wire.
package bridge
