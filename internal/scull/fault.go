// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package scull

import (
	"github.com/rs/zerolog/log"
)

// faultyWrite is replaced in tests.
var faultyWrite = crash

// Stores through a nil pointer on a fresh goroutine. Nothing can recover
// the panic there, hence the whole process goes down. Never returns.
func crash() {
	log.Warn().Msg("this is oops test by scull ioctl. not an issue.")

	go func() {
		var target *int
		*target = 0
	}()

	select {}
}
