// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// scull is a sparse in-memory storage device. Every device keeps its content
// in a chain of quantum sets. A quantum set is an array of optional quanta,
// fixed size byte buffers, which are allocated only when a write touches
// them. The chain grows on demand and is released at once by trim.
//
// Devices live in a fixed size pool. Clients open sessions on a device, each
// session carries its own position which is advanced by every read and
// write. A single read or write never crosses a quantum boundary, callers
// wanting more have to repeat the call, exactly as with a short read(2).
//
// All access to one device is serialized by one lock. Waiting for the lock
// can be interrupted through the context, in which case ErrRestart is
// returned and nothing was done.
package scull
