package verifier

import "errors"

// errDirectoryFetch wraps every JWKS-fetch failure; the upstream's actual
// status or network error is folded in without being surfaced to callers
// as anything more specific than DirectoryFetch.
var errDirectoryFetch = errors.New("directory fetch failed")
