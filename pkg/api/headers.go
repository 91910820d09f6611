package api

import "fmt"

// VendorServerName is the Server header value of the vendor default policy.
const VendorServerName = "sitehost"

// ServerHeaderMode selects what the Server response header carries.
type ServerHeaderMode string

const (
	ServerHeaderVendor      ServerHeaderMode = "vendor"
	ServerHeaderProduct     ServerHeaderMode = "product"
	ServerHeaderApplication ServerHeaderMode = "application"
	ServerHeaderOperator    ServerHeaderMode = "operator"
	ServerHeaderSuppressed  ServerHeaderMode = "suppressed"
)

// ServerHeaderPolicy picks exactly one Server header value.
type ServerHeaderPolicy struct {
	Mode        ServerHeaderMode
	Product     string // "name/version"
	Application string
	Operator    string
}

// Value returns the header value to emit. ok is false when the header is
// suppressed.
func (p ServerHeaderPolicy) Value() (value string, ok bool) {
	switch p.Mode {
	case ServerHeaderSuppressed:
		return "", false
	case ServerHeaderProduct:
		if p.Product != "" {
			return p.Product, true
		}
	case ServerHeaderApplication:
		if p.Application != "" {
			return p.Application, true
		}
	case ServerHeaderOperator:
		if p.Operator != "" {
			return p.Operator, true
		}
	}
	return VendorServerName, true
}

// Validate reports a mode that has no value to emit.
func (p ServerHeaderPolicy) Validate() error {
	switch p.Mode {
	case "", ServerHeaderVendor, ServerHeaderSuppressed:
		return nil
	case ServerHeaderProduct:
		if p.Product == "" {
			return fmt.Errorf("server header mode %q requires a product name", p.Mode)
		}
	case ServerHeaderApplication:
		if p.Application == "" {
			return fmt.Errorf("server header mode %q requires an application name", p.Mode)
		}
	case ServerHeaderOperator:
		if p.Operator == "" {
			return fmt.Errorf("server header mode %q requires an operator name", p.Mode)
		}
	default:
		return fmt.Errorf("unknown server header mode %q", p.Mode)
	}
	return nil
}
