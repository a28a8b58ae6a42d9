package compensation

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfigurationInvalid = errors.New("configuration invalid")
	ErrTreeIntegrity        = errors.New("sponsorship tree integrity violation")
)

// ConfigError lists every problem found while validating a configuration.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", ErrConfigurationInvalid, strings.Join(e.Problems, "; "))
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfigurationInvalid
}

// TreeIntegrityError reports a cycle in the sponsorship chain or a chain
// member without an account.
type TreeIntegrityError struct {
	ConsultantID int64
	Reason       string
}

func (e *TreeIntegrityError) Error() string {
	return fmt.Sprintf("%s: consultant %d: %s", ErrTreeIntegrity, e.ConsultantID, e.Reason)
}

func (e *TreeIntegrityError) Is(target error) bool {
	return target == ErrTreeIntegrity
}

type problems []string

func (p *problems) addf(format string, args ...interface{}) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

func (p problems) err() error {
	if len(p) == 0 {
		return nil
	}
	return &ConfigError{Problems: p}
}
