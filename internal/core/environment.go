package core

import (
	"errors"
	"fmt"
)

type Environment string

const (
	DevelopmentEnv Environment = "development"
	ProductionEnv  Environment = "production"
)

var ErrUnknownEnvironment = errors.New("unknown environment")

func (e Environment) IsProduction() bool {
	return e == ProductionEnv
}

func (e Environment) IsDevelopment() bool {
	return e == DevelopmentEnv
}

// Validate reports whether e is one of the known environments.
func (e Environment) Validate() error {
	if e.IsDevelopment() || e.IsProduction() {
		return nil
	}

	return fmt.Errorf("%w: %q", ErrUnknownEnvironment, string(e))
}
