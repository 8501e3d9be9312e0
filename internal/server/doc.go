// Package server hosts the WebRTSP upgrade endpoint next to the health and
// metrics endpoints on a single HTTP server.
//
// Every request passes through request id, logging, metrics and rate limit
// middleware; upgrades are logged when the connection closes.
package server
