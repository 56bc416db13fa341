// Package server implements the core presence-and-broadcast engine for the
// ChatterUp chat service.
//
// The implementation is organized into specialized files: the Hub fans out
// events and supervises sessions, the Registry tracks who is online, and
// each Session owns one websocket connection's lifecycle. Configuration,
// routing, HTTP handlers, and metrics live alongside them to keep the
// package self-contained.
package server
