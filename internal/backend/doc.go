// Package backend defines the boundary between the conversion core and the
// external document engine: a Launcher starts engine instances and each
// Process drives exactly one of them. Implementations live in subpackages.
package backend
