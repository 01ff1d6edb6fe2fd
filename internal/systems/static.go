// Package systems answers whether a storage endpoint can be used.
package systems

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"transferq/internal/domain"
	"transferq/internal/ports"
)

var _ ports.SystemChecker = (*Static)(nil)

// Static fails closed for endpoints whose system is on a configured
// unavailable list. A system is identified by scheme and host.
type Static struct {
	down map[string]struct{}
}

func NewStatic(unavailable []string) *Static {
	s := &Static{down: make(map[string]struct{}, len(unavailable))}
	for _, u := range unavailable {
		if id, err := systemID(u); err == nil && id != "" {
			s.down[id] = struct{}{}
		}
	}
	return s
}

func (s *Static) Available(ctx context.Context, tc domain.Tenancy, endpoint string) error {
	id, err := systemID(endpoint)
	if err != nil {
		return fmt.Errorf("%w: endpoint %q: %v", domain.ErrBusinessValidation, endpoint, err)
	}
	if _, ok := s.down[id]; ok {
		return fmt.Errorf("system %s for tenant %s: %w", id, tc.TenantID, domain.ErrUnavailable)
	}
	return nil
}

func systemID(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}
