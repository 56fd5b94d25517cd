package jwkset

// Builder accumulates JWK entries for one JWKS response, deduplicating by
// kid and attaching x5c chains and legacy aliases per the well-known
// JWKS endpoint's rules: collect from KeyHistory (or PublicKey when
// history is empty), then Agent keys, dedup by kid, attach any active
// certificate's x5c to its kid, then emit a legacy-alias entry for every
// Ed25519 key found.
type Builder struct {
	byKid map[string]*JWK
	order []string
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{byKid: map[string]*JWK{}}
}

// Add inserts jwk, keyed by its canonical kid. A later Add for the same
// kid is a no-op: the JWKS response keeps the first-seen entry, matching
// the documented precedence of user keys over agent keys when both
// happen to collide (which should not normally occur, since kids are
// derived from distinct key material).
func (b *Builder) Add(jwk JWK) {
	if _, ok := b.byKid[jwk.Kid]; ok {
		return
	}
	cp := jwk
	b.byKid[jwk.Kid] = &cp
	b.order = append(b.order, jwk.Kid)
}

// AttachX5C appends the PEM-encoded certificate chain's DER-base64 forms
// to the JWK identified by kid, if present in the builder.
func (b *Builder) AttachX5C(kid string, x5c []string) {
	if jwk, ok := b.byKid[kid]; ok {
		jwk.X5C = x5c
	}
}

// WithLegacyAliases returns a new slice containing every accumulated key
// plus, for each, a second entry keyed under its legacy kid so that
// pre-thumbprint signatures continue to resolve during the deprecation
// window. The legacy entry never carries an x5c chain: certificates are
// always issued and looked up against the canonical kid.
func (b *Builder) WithLegacyAliases() []JWK {
	out := make([]JWK, 0, len(b.order)*2)
	for _, kid := range b.order {
		jwk := *b.byKid[kid]
		out = append(out, jwk)
		if jwk.LegacyAlias != "" && jwk.LegacyAlias != jwk.Kid {
			alias := jwk
			alias.Kid = jwk.LegacyAlias
			alias.X5C = nil
			alias.LegacyAlias = ""
			out = append(out, alias)
		}
	}
	return out
}

// Set materializes the builder's contents, with legacy aliases included,
// as a Set ready for JSON encoding.
func (b *Builder) Set() Set {
	return Set{Keys: b.WithLegacyAliases()}
}

// Lookup returns the JWK for kid, checking both canonical and legacy kids
// among everything added so far.
func (b *Builder) Lookup(kid string) (JWK, bool) {
	if jwk, ok := b.byKid[kid]; ok {
		return *jwk, true
	}
	for _, k := range b.byKid {
		if k.LegacyAlias == kid {
			return *k, true
		}
	}
	return JWK{}, false
}

// FindKid locates the JWK in set whose kid (canonical or legacy) matches
// kid. It is the lookup the verifier's key-selection step performs
// against a fetched JWKS document.
func FindKid(set Set, kid string) (JWK, bool) {
	for _, k := range set.Keys {
		if k.Kid == kid {
			return k, true
		}
	}
	return JWK{}, false
}
