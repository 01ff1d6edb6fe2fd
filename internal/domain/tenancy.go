package domain

import "fmt"

// Tenancy is the caller identity every persistence call is scoped by.
type Tenancy struct {
	TenantID string
	Username string
}

func (t Tenancy) Validate() error {
	if t.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrBusinessValidation)
	}
	return nil
}

// Page bounds a listing. A zero Limit means the store default.
type Page struct {
	Offset int
	Limit  int
}
