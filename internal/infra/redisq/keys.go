package redisq

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"transferq/internal/domain"
)

// ErrInvalidQueue is returned when a scope or subject cannot be used as
// part of a key.
var ErrInvalidQueue = errors.New("redisq: invalid queue name")

func validName(kind, name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, ": \t\n") {
		return fmt.Errorf("%w: %s %q", ErrInvalidQueue, kind, name)
	}
	return nil
}

func validQueue(scope, subject string) error {
	if err := validName("scope", scope); err != nil {
		return err
	}
	return validName("subject", subject)
}

type leaseKeys struct {
	ready    string
	delayed  string
	reserved string
	jobs     string
	registry string
}

func (s *Session) leaseKeys(scope, subject string) leaseKeys {
	base := s.Key("lq", scope, subject)
	return leaseKeys{
		ready:    base + ":ready",
		delayed:  base + ":delayed",
		reserved: base + ":reserved",
		jobs:     base + ":jobs",
		registry: s.leaseRegistry(scope),
	}
}

// Registries live outside the lq and st namespaces so no subject name can
// collide with them.
func (s *Session) leaseRegistry(scope string) string { return s.Key("registry", "lq", scope) }

func (s *Session) streamKey(scope, subject string) string { return s.Key("st", scope, subject) }

func (s *Session) streamRegistry(scope string) string { return s.Key("registry", "st", scope) }

func (s *Session) dedupKey(scope, subject, key string) string {
	return s.Key("st", scope, subject, "dedup", key)
}

func matchNames(names []string, pattern string) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: queue pattern %q: %v", domain.ErrBusinessValidation, pattern, err)
	}
	var out []string
	for _, n := range names {
		if re.MatchString(n) {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out, nil
}
