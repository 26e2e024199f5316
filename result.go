package spf

import "fmt"

// Kind is one of the seven authoritative SPF result codes.
// https://tools.ietf.org/html/rfc4408#section-2.6
type Kind string

// Valid result kinds.
const (
	// Pass means the client is authorized to inject mail with the given identity.
	Pass = Kind("pass")

	// Fail means the client is not authorized to use the domain in the given identity.
	Fail = Kind("fail")

	// SoftFail is a weak statement that the host is probably not authorized.
	SoftFail = Kind("softfail")

	// Neutral means the domain owner makes no assertion about the client.
	Neutral = Kind("neutral")

	// None means no policy could be determined: either the domain does not
	// publish SPF, or the identity could not be extracted.
	None = Kind("none")

	// PermError means the domain's published records could not be
	// correctly interpreted.
	PermError = Kind("permerror")

	// TempError means a transient error, usually a DNS failure, prevented
	// evaluation from completing.
	TempError = Kind("temperror")
)

// Result is the outcome of evaluating a Request against a Record.
type Result struct {
	Kind Kind

	// Explanation is the macro-expanded explanation string, populated only
	// when Kind is Fail.
	Explanation string
}

// String returns the lowercase kind, e.g. "pass".
func (r Result) String() string {
	return string(r.Kind)
}

func result(k Kind) Result { return Result{Kind: k} }

// qualifierKind maps an SPF qualifier character to its result kind.
// The default qualifier, "+", maps to Pass.
var qualifierKind = map[byte]Kind{
	'+': Pass,
	'-': Fail,
	'~': SoftFail,
	'?': Neutral,
}

// Sentinel causes for the internal error taxonomy (spec.md section 7).
// These are never returned to callers directly; Server.Process classifies
// them into PermError or TempError via engineError.
var (
	// Syntax and structural errors -> PermError.
	ErrUnknownMechanism  = fmt.Errorf("spf: unknown mechanism")
	ErrUnknownQualifier  = fmt.Errorf("spf: invalid qualifier")
	ErrInvalidIP         = fmt.Errorf("spf: invalid ip4/ip6 value")
	ErrInvalidCIDR       = fmt.Errorf("spf: invalid CIDR length")
	ErrInvalidDomain     = fmt.Errorf("spf: invalid domain-spec")
	ErrInvalidMacro      = fmt.Errorf("spf: invalid macro")
	ErrMissingTerm       = fmt.Errorf("spf: missing required sub-term")
	ErrJunkInTerm        = fmt.Errorf("spf: junk after term")
	ErrDuplicateModifier = fmt.Errorf("spf: duplicate modifier")
	ErrInvalidRecord     = fmt.Errorf("spf: invalid or redundant SPF record")
	ErrIncludeLoop       = fmt.Errorf("spf: include loop detected")
	ErrLookupLimit       = fmt.Errorf("spf: DNS-interactive term limit exceeded")

	// DNS errors -> TempError.
	ErrDNSTimeout = fmt.Errorf("spf: DNS query timed out")
	ErrDNSFailure = fmt.Errorf("spf: DNS query failed")
)

// engineError wraps an internal error with its recovery classification, per
// spec.md section 7: syntax, structural and limit errors are permanent;
// DNS errors are temporary. Individual mechanisms and modifiers never
// catch these; only Server.Process, at the top of the call stack, does.
type engineError struct {
	cause     error
	temporary bool
}

func (e *engineError) Error() string { return e.cause.Error() }
func (e *engineError) Unwrap() error { return e.cause }

// permErr wraps cause as a permanent (PermError-producing) engine error.
func permErr(cause error) error {
	return &engineError{cause: cause}
}

// tempErr wraps cause as a temporary (TempError-producing) engine error.
func tempErr(cause error) error {
	return &engineError{cause: cause, temporary: true}
}
