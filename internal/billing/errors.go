package billing

import "fmt"

// ValidationError marks bad or missing billing inputs. It always surfaces
// before any payment-provider call, so a validation failure never charges.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// UnsupportedTypeError is returned for appointment types the billing engine
// does not know how to charge.
type UnsupportedTypeError struct {
	Type string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported appointment type %q", e.Type)
}
