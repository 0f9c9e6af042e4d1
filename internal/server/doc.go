// Package server implements the core connection and room-relay functionality
// of the chat relay.
//
// The implementation is organized into specialized files for configuration,
// credentials, hub and room presence management, clients, routing, and HTTP
// handlers to keep the codebase maintainable and testable as the project
// grows.
package server
