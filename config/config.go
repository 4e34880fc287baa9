// Package config loads the TOML configuration of the jsonix binary.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/naoina/toml"
)

// Config is the whole configuration file.
//
//	[Registry]
//	Listen = ":8080"
//	EtcdEndpoints = ["127.0.0.1:2379"]
//
//	[Topic]
//	Listen = ":7070"
type Config struct {
	Log      LogConfig
	Registry RegistryConfig
	Topic    TopicConfig
}

type LogConfig struct {
	Level       string // debug, info, warn or error
	Development bool
}

type RegistryConfig struct {
	Listen        string
	MaxBuffer     int
	EtcdEndpoints []string // empty disables the etcd mirror
	EtcdPrefix    string
	EtcdTTL       int64 // seconds
	MirrorTimeout Duration
}

type TopicConfig struct {
	Listen    string
	MaxBuffer int
}

var Defaults = Config{
	Log: LogConfig{Level: "info"},
	Registry: RegistryConfig{
		Listen:        ":8080",
		EtcdPrefix:    "/rpcjsonix/",
		EtcdTTL:       10,
		MirrorTimeout: Duration{3 * time.Second},
	},
	Topic: TopicConfig{
		Listen: ":7070",
	},
}

// Duration reads a TOML string such as "3s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// These settings keep TOML keys identical to the Go field names.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// Load reads file over a copy of Defaults.
func Load(file string) (Config, error) {
	cfg := Defaults
	if file == "" {
		return cfg, nil
	}
	f, err := os.Open(file)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return cfg, err
}
