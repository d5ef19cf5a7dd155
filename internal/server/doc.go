// Package server implements the HTTP and WebSocket transport for the Parley
// chat service.
//
// The implementation is organized into specialized files for configuration,
// hub management, clients, event schemas, routing, and HTTP handlers. The hub
// implements the push transport contract consumed by the presence subsystem;
// all presence decisions live in internal/presence and reach the transport
// only through that contract.
package server
