package cmd

import (
	"errors"

	"github.com/bimmerbailey/phantom/internal/config"
	"github.com/bimmerbailey/phantom/internal/pipeline"
	"github.com/bimmerbailey/phantom/internal/rules"
	"github.com/bimmerbailey/phantom/internal/trace"
)

// Process exit codes.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitConfig    = 2 // invalid configuration, pattern or rule
	ExitIO        = 3 // unrecoverable read or write failure
	ExitInvariant = 4 // token collision
)

// ExitCode classifies err into a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var (
		collision *trace.TokenCollisionError
		pattern   *rules.InvalidPatternError
		ruleCfg   *rules.InvalidRuleConfigError
		invalid   *config.ValidationError
		load      *config.LoadError
		ioErr     *pipeline.IoError
	)
	switch {
	case errors.As(err, &collision):
		return ExitInvariant
	case errors.As(err, &pattern), errors.As(err, &ruleCfg),
		errors.As(err, &invalid), errors.As(err, &load):
		return ExitConfig
	case errors.As(err, &ioErr):
		return ExitIO
	default:
		return ExitFailure
	}
}
