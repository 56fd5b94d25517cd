package sigbase

import (
	"fmt"
	"strings"
)

// Build constructs the canonical signature base string for req under params,
// per RFC 9421 §2.3.
//
// Each covered component becomes a line `"<name>": <value>\n`, in the order
// given by params.Components, followed by a final, non-newline-terminated
// `"@signature-params": <value>` line.
func Build(req *Request, params Params) (string, error) {
	if err := params.ValidateDerived(); err != nil {
		return "", err
	}

	var b strings.Builder
	for _, c := range params.Components {
		var value string
		if c.IsDerived() {
			v, err := req.derivedValue(c)
			if err != nil {
				return "", err
			}
			value = v
		} else {
			v, ok := req.headerValue(string(c))
			if !ok {
				return "", fmt.Errorf("%w: %s", ErrMissingComponent, c)
			}
			value = v
		}
		fmt.Fprintf(&b, "%q: %s\n", string(c), value)
	}

	fmt.Fprintf(&b, "%q: %s", "@signature-params", params.ParamString())
	return b.String(), nil
}
