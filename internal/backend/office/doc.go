// Package office implements the engine boundary on top of LibreOffice.
//
// Each engine is an anvil-engine worker process that owns its own soffice
// profile. The server talks to it over a unix socket (or vsock when
// configured) using length-prefixed JSON frames. Killing the worker's process
// group takes every soffice child down with it, which is how a hung
// conversion is stopped.
package office
