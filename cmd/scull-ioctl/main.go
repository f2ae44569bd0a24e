// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// scull-ioctl issues a control command against a scull device through the
// diagnostic endpoint of the daemon. Without a command it asks the daemon to
// crash on purpose, which is useful for checking how crashes are handled.
//
//	scull-ioctl [flags] [faulty|get-quantum|get-qset|set-quantum N|set-qset N]
package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/asch/scull/internal/scull"
)

var commands = map[string]uint32{
	"faulty":      scull.IocMakeFaultyWrite,
	"set-quantum": scull.IocSQuantum,
	"set-qset":    scull.IocSQSet,
	"get-quantum": scull.IocGQuantum,
	"get-qset":    scull.IocGQSet,
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	flags := pflag.NewFlagSet("scull-ioctl", pflag.ExitOnError)
	addr := flags.StringP("addr", "a", "localhost:7070", "address of the scull diagnostic endpoint")
	dev := flags.IntP("dev", "d", 0, "device number")
	raw := flags.Uint32("cmd", 0, "raw ioctl number, overrides the command name")
	flags.Parse(os.Args[1:])

	cmd, arg, err := parseCommand(flags.Args(), *raw, flags.Changed("cmd"))
	if err != nil {
		log.Fatal().Err(err).Send()
	}

	fmt.Printf("ioctl 0x%08x on scull%d\n", cmd, *dev)

	ret, err := call(*addr, *dev, cmd, arg)
	if err != nil {
		log.Fatal().Err(err).Send()
	}

	fmt.Println(ret)
}

// Resolves command name and its argument from positional arguments.
func parseCommand(args []string, raw uint32, useRaw bool) (uint32, int64, error) {
	var arg int64

	if useRaw {
		if len(args) > 0 {
			n, err := strconv.ParseInt(args[0], 0, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("argument %q: %w", args[0], err)
			}
			arg = n
		}
		return raw, arg, nil
	}

	name := "faulty"
	if len(args) > 0 {
		name = args[0]
	}

	cmd, ok := commands[name]
	if !ok {
		return 0, 0, fmt.Errorf("unknown command %q", name)
	}

	if strings.HasPrefix(name, "set-") {
		if len(args) != 2 {
			return 0, 0, fmt.Errorf("%s needs one argument", name)
		}
		n, err := strconv.ParseInt(args[1], 0, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("argument %q: %w", args[1], err)
		}
		arg = n
	}

	return cmd, arg, nil
}

// Posts the command and returns the reply of the daemon.
func call(addr string, dev int, cmd uint32, arg int64) (string, error) {
	q := url.Values{}
	q.Set("dev", strconv.Itoa(dev))
	q.Set("cmd", fmt.Sprintf("0x%08x", cmd))
	q.Set("arg", strconv.FormatInt(arg, 10))

	u := url.URL{Scheme: "http", Host: addr, Path: "/ioctl", RawQuery: q.Encode()}

	client := http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(u.String(), "text/plain", nil)
	if err != nil {
		// The daemon drops the connection when it crashes on purpose.
		if cmd == scull.IocMakeFaultyWrite {
			return "daemon crashed", nil
		}
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	return strings.TrimSpace(string(body)), nil
}
