// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/asch/scull/internal/scull"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/scull/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Major       int    `toml:"major" env:"SCULL_MAJOR" env-default:"0" env-description:"Device major. Only reported, devices are addressed by minor."`
	Minor       int    `toml:"minor" env:"SCULL_MINOR" env-default:"0" env-description:"First device minor. Devices are named scull<minor> and up."`
	NrDevs      int    `toml:"nr_devs" env:"SCULL_NR_DEVS" env-default:"4" env-description:"Number of scull devices."`
	Quantum     int    `toml:"quantum" env:"SCULL_QUANTUM" env-default:"4000" env-description:"Size of every quantum in bytes."`
	QSet        int    `toml:"qset" env:"SCULL_QSET" env-default:"1000" env-description:"Number of quanta in a quantum set."`
	MemoryLimit int64  `toml:"memory_limit" env:"SCULL_MEMORY_LIMIT" env-default:"1024" env-description:"Memory limit for all devices in MB. Allocations above it fail with out of memory. 0 means unlimited."`
	Mountpoint  string `toml:"mountpoint" env:"SCULL_MOUNTPOINT" env-default:"/run/scull" env-description:"Directory where devices are exposed. Empty string disables the mount."`
	AllowOther  bool   `toml:"allow_other" env:"SCULL_ALLOW_OTHER" env-default:"false" env-description:"Allow other users to access the mount. Requires user_allow_other in /etc/fuse.conf."`

	Diag struct {
		Listen   string `toml:"listen" env:"SCULL_DIAG_LISTEN" env-default:"localhost:7070" env-description:"Address of the diagnostic and control endpoint. Empty string disables it."`
		MemLimit int    `toml:"mem_limit" env:"SCULL_DIAG_MEMLIMIT" env-default:"4096" env-description:"Size limit of the scullmem dump in bytes."`
	} `toml:"diag"`

	Report struct {
		Bucket    string `toml:"bucket" env:"SCULL_REPORT_BUCKET" env-description:"S3 bucket for the layout snapshot uploaded at shutdown. Empty string disables the upload." env-default:""`
		Prefix    string `toml:"prefix" env:"SCULL_REPORT_PREFIX" env-description:"Key prefix of uploaded snapshots." env-default:"scull"`
		Remote    string `toml:"remote" env:"SCULL_REPORT_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region    string `toml:"region" env:"SCULL_REPORT_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey string `toml:"access_key" env:"SCULL_REPORT_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey string `toml:"secret_key" env:"SCULL_REPORT_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
	} `toml:"report"`

	Log struct {
		Level  int  `toml:"level" env:"SCULL_LOG_LEVEL" env-description:"Log level." env-default:"1"`
		Pretty bool `toml:"pretty" env:"SCULL_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"SCULL_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"SCULL_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.MemoryLimit *= 1024 * 1024

	return Geometry().Validate()
}

// Geometry returns the configured quantum set geometry.
func Geometry() scull.Geometry {
	return scull.Geometry{
		Quantum: Cfg.Quantum,
		QSet:    Cfg.QSet,
	}
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("scull", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}
