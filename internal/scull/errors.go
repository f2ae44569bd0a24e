// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package scull

import (
	"errors"
)

var (
	// Lazy allocation of a node, slot array or quantum failed.
	ErrNoMemory = errors.New("scull: out of memory")

	// Copy to or from the client buffer failed.
	ErrFault = errors.New("scull: bad address")

	// Waiting for the device lock was interrupted. Nothing was attempted
	// and the call can be repeated unchanged.
	ErrRestart = errors.New("scull: interrupted, restart call")

	// Malformed control command or argument.
	ErrInvalid = errors.New("scull: invalid request")

	// Device index out of range of the pool.
	ErrNoDevice = errors.New("scull: no such device")
)
