// Package server implements the HTTP surface of roomchat: the websocket
// upgrade endpoint that hands connections to the broker, the room and history
// API, health checks, metrics and the built-in test page.
//
// The implementation is organized into files for origin checks, handlers,
// routing and server lifecycle.
package server
