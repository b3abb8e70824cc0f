// Package server implements the realtime chat gateway of Nexus Chat.
//
// A connection is authenticated on the HTTP handshake, upgraded to a
// websocket and handed to the Gateway. The Gateway keeps an arena of live
// connections keyed by id, feeds the presence registry and the room router,
// and dispatches inbound events (join, leave, send, typing, markRead) to the
// message and conversation stores. Each connection runs a read pump and a
// write pump; the write pump batches queued events into one frame separated
// by '\n'.
//
// The implementation is organized into specialized files for configuration,
// gateway management, clients, event dispatch, routing and HTTP handlers.
package server
