// Package config loads specforge configuration: process environment
// (optionally seeded from a .env file) and per-project settings.yaml.
package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Env is the process-level configuration read from the environment.
type Env struct {
	Root      string `env:"SPECFORGE_ROOT,default=."`
	LogLevel  string `env:"SPECFORGE_LOG_LEVEL,default=info"`
	LogFormat string `env:"SPECFORGE_LOG_FORMAT,default=text"`
}

// LoadDotEnv loads the named .env files (".env" when none are given) into the
// process environment without overriding variables that are already set.
// Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Decode fills target from the environment using envdecode struct tags.
// A struct whose fields all come from defaults is not an error.
func Decode(target any) error {
	if err := envdecode.Decode(target); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode environment: %w", err)
	}
	return nil
}

// LoadEnv reads .env (if present) and decodes Env.
func LoadEnv() (*Env, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	var e Env
	if err := Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}
