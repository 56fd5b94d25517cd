// Package sigbase builds and parses RFC 9421 HTTP Message Signature base
// strings: the canonical byte sequence that is Ed25519-signed by a bot and
// re-derived by the verifier from the same request.
package sigbase

import (
	"fmt"
	"strconv"
	"strings"
)

// Component is one covered component in a signature-params list: either a
// derived component ("@method", "@path", ...) or a lowercase HTTP field name.
type Component string

const (
	CompMethod      Component = "@method"
	CompAuthority   Component = "@authority"
	CompPath        Component = "@path"
	CompQuery       Component = "@query"
	CompTargetURI   Component = "@target-uri"
	CompScheme      Component = "@scheme"
	CompRequestTgt  Component = "@request-target"
)

// IsDerived reports whether c names a derived component (starts with "@").
func (c Component) IsDerived() bool { return strings.HasPrefix(string(c), "@") }

// supportedDerived is the set of derived components this implementation understands.
var supportedDerived = map[Component]bool{
	CompMethod:     true,
	CompAuthority:  true,
	CompPath:       true,
	CompQuery:      true,
	CompTargetURI:  true,
	CompScheme:     true,
	CompRequestTgt: true,
}

// Params is the parsed form of a Signature-Input entry: the ordered list of
// covered components plus the signature parameters (created, expires, nonce,
// keyid, alg, tag). Parameter values are the RFC 9421 sum type of
// int | string | inner-list(string); here modeled with dedicated fields since
// the protocol only ever uses int (created/expires) and string (nonce/keyid/
// alg/tag) parameter values for this signature scheme.
type Params struct {
	Label      string      // e.g. "sig1"
	Components []Component // order matters; becomes the covered-components inner-list
	Created    int64       // required
	Expires    int64       // 0 = not present
	Nonce      string      // empty = not present
	KeyID      string      // required
	Alg        string      // required, "ed25519"
	Tag        string      // empty = not present
}

// HasExpires reports whether an explicit expires= parameter was present.
func (p Params) HasExpires() bool { return p.Expires != 0 }

// HasNonce reports whether a nonce= parameter was present.
func (p Params) HasNonce() bool { return p.Nonce != "" }

// HasTag reports whether a tag= parameter was present.
func (p Params) HasTag() bool { return p.Tag != "" }

// componentsInnerList renders the covered-components portion, e.g.
// `("@method" "@path" "@authority")`.
func (p Params) componentsInnerList() string {
	quoted := make([]string, len(p.Components))
	for i, c := range p.Components {
		quoted[i] = strconv.Quote(string(c))
	}
	return "(" + strings.Join(quoted, " ") + ")"
}

// ParamString renders the full signature-params value as it appears in both
// Signature-Input (keyed by label) and as the trailing "@signature-params"
// line of the base string — these two renderings are byte-identical.
func (p Params) ParamString() string {
	var b strings.Builder
	b.WriteString(p.componentsInnerList())
	fmt.Fprintf(&b, ";created=%d", p.Created)
	if p.HasExpires() {
		fmt.Fprintf(&b, ";expires=%d", p.Expires)
	}
	if p.HasNonce() {
		fmt.Fprintf(&b, ";nonce=%q", p.Nonce)
	}
	fmt.Fprintf(&b, ";keyid=%q", p.KeyID)
	fmt.Fprintf(&b, ";alg=%q", p.Alg)
	if p.HasTag() {
		fmt.Fprintf(&b, ";tag=%q", p.Tag)
	}
	return b.String()
}

// SignatureInputValue renders the value of the Signature-Input header,
// e.g. `sig1=("@method" "@path" "@authority");created=...;keyid="...";alg="ed25519"`.
func (p Params) SignatureInputValue() string {
	return p.Label + "=" + p.ParamString()
}

// ValidateDerived reports an UnknownDerivedComponent error for the first
// unsupported derived component, or nil if all covered components are
// recognized (derived or not — literal header names are always accepted
// here; their presence in the request is checked separately).
func (p Params) ValidateDerived() error {
	for _, c := range p.Components {
		if c.IsDerived() && !supportedDerived[c] {
			return fmt.Errorf("%w: %s", ErrUnknownDerivedComponent, c)
		}
	}
	return nil
}
