// Package logging provides the leveled logger used across mrisegview.
// Messages go through the standard log package and, when a log file is
// configured, into a size-rotated file.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/natefinch/lumberjack"
)

// Mode is the minimum severity that gets written
type Mode uint

const (
	DebugMode Mode = iota
	InfoMode
	WarningMode
	ErrorMode
	SilentMode
)

var (
	mode    = InfoMode
	rotator *lumberjack.Logger
)

// Config describes where log messages are written
type Config struct {
	// Logfile is the rotating log file; empty means stderr
	Logfile string `yaml:"logfile" toml:"logfile"`

	// MaxSize is the size in megabytes at which the log file is rotated
	MaxSize int `yaml:"maxSize" toml:"max_size"`

	// MaxAge is the number of days rotated files are kept
	MaxAge int `yaml:"maxAge" toml:"max_age"`

	// Verbose enables Debug level messages
	Verbose bool `yaml:"verbose" toml:"verbose"`
}

// SetLogger applies the configuration to the package logger.
func (c *Config) SetLogger() {
	if c == nil {
		return
	}
	if c.Verbose {
		SetMode(DebugMode)
	}
	if c.Logfile == "" {
		Infof("Sending log messages to stderr since no log file specified.")
		return
	}
	fmt.Printf("Sending log messages to: %s\n", c.Logfile)
	rotator = &lumberjack.Logger{
		Filename: c.Logfile,
		MaxSize:  c.MaxSize, // megabytes
		MaxAge:   c.MaxAge,  // days
	}
	log.SetOutput(rotator)
}

// SetMode sets the severity required for a message to be printed.
// SetMode(WarningMode) keeps Warningf and Errorf; SilentMode drops everything.
func SetMode(m Mode) {
	mode = m
}

// SetOutput redirects log output, mostly for tests.
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}

func Debugf(format string, args ...interface{}) {
	if mode <= DebugMode {
		log.Printf(" DEBUG "+format, args...)
	}
}

func Infof(format string, args ...interface{}) {
	if mode <= InfoMode {
		log.Printf(" INFO "+format, args...)
	}
}

func Warningf(format string, args ...interface{}) {
	if mode <= WarningMode {
		log.Printf(" WARNING "+format, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if mode <= ErrorMode {
		log.Printf(" ERROR "+format, args...)
	}
}

// Shutdown closes the rotating log file if one is open.
func Shutdown() {
	if rotator == nil {
		return
	}
	log.Printf("Closing log file...\n")
	log.SetOutput(os.Stderr)
	rotator.Close()
	rotator = nil
}
