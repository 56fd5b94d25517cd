package sigbase

import "errors"

// Errors returned while constructing or parsing a signature base string.
// The verifier does not surface them as-is: it reports a parse failure as
// MissingSignature and a build failure as MalformedSignature.
var (
	ErrMissingComponent        = errors.New("MissingComponent")
	ErrUnknownDerivedComponent = errors.New("UnknownDerivedComponent")
	ErrMalformedHeader         = errors.New("MalformedHeader")
)
