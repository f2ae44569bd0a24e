// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package scull

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
)

// Control commands are encoded the same way as Linux ioctl numbers:
//
//	dir:  31-30  none, write, read or both
//	size: 29-16  size of the argument
//	type: 15-8   magic number of the driver
//	nr:    7-0   command number
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	IocNone  = 0
	IocWrite = 1
	IocRead  = 2
)

// Encodes ioctl number.
func IOC(dir, typ, nr, size uint32) uint32 {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

// Command without argument.
func IO(typ, nr uint32) uint32 {
	return IOC(IocNone, typ, nr, 0)
}

// Command reading size bytes back to the caller.
func IOR(typ, nr, size uint32) uint32 {
	return IOC(IocRead, typ, nr, size)
}

// Command passing size bytes to the device.
func IOW(typ, nr, size uint32) uint32 {
	return IOC(IocWrite, typ, nr, size)
}

func IOCType(cmd uint32) uint32 {
	return cmd >> iocTypeShift & (1<<iocTypeBits - 1)
}

func IOCNr(cmd uint32) uint32 {
	return cmd >> iocNRShift & (1<<iocNRBits - 1)
}

func IOCDir(cmd uint32) uint32 {
	return cmd >> iocDirShift & (1<<iocDirBits - 1)
}

func IOCSize(cmd uint32) uint32 {
	return cmd >> iocSizeShift & (1<<iocSizeBits - 1)
}

const (
	// Magic number of scull commands.
	IocMagic = 'c'

	// Highest valid command number.
	IocMaxNr = 4
)

var (
	// Crashes the daemon on purpose. For testing oops handling only.
	IocMakeFaultyWrite = IO(IocMagic, 0)

	// Set quantum size or quantum set length used by the next trim.
	IocSQuantum = IOW(IocMagic, 1, 4)
	IocSQSet    = IOW(IocMagic, 2, 4)

	// Get quantum size or quantum set length used by the next trim.
	IocGQuantum = IOR(IocMagic, 3, 4)
	IocGQSet    = IOR(IocMagic, 4, 4)
)

// Ioctl executes control command cmd with argument arg. Commands with a
// foreign magic number or out of range number are rejected before anything
// else happens. Get commands return the value, others return zero.
func (s *Session) Ioctl(cmd uint32, arg int64) (int64, error) {
	if IOCType(cmd) != IocMagic || IOCNr(cmd) > IocMaxNr {
		return 0, fmt.Errorf("%w: ioctl 0x%08x", ErrInvalid, cmd)
	}

	log.Debug().Int("device", s.dev.index).Msgf("cmd 0x%08x", cmd)

	// Set commands carry a 32 bit int.
	if IOCDir(cmd) == IocWrite && (arg < math.MinInt32 || arg > math.MaxInt32) {
		return 0, fmt.Errorf("%w: ioctl 0x%08x argument %d", ErrInvalid, cmd, arg)
	}

	switch cmd {
	case IocMakeFaultyWrite:
		faultyWrite()

	case IocSQuantum:
		g := s.pool.Geometry()
		g.Quantum = int(arg)
		return 0, s.pool.SetGeometry(g)

	case IocSQSet:
		g := s.pool.Geometry()
		g.QSet = int(arg)
		return 0, s.pool.SetGeometry(g)

	case IocGQuantum:
		return int64(s.pool.Geometry().Quantum), nil

	case IocGQSet:
		return int64(s.pool.Geometry().QSet), nil

	default:
		log.Debug().Msgf("unknown cmd 0x%08x", cmd)
	}

	return 0, nil
}
