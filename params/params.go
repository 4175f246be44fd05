// Package params prepares the parameter map of a remote call.
//
// The backend treats an explicit null as a meaningful value ("no filter"), so a nil
// entry must reach the transport unchanged. A parameter the caller wants left out
// entirely is marked with Undefined and removed by Sanitize.
package params

type undefined struct{}

func (undefined) String() string { return "undefined" }

// Undefined marks a parameter that must not be sent.
var Undefined any = undefined{}

// IsUndefined reports whether v is the Undefined marker.
func IsUndefined(v any) bool {
	_, ok := v.(undefined)
	return ok
}

// Sanitize returns a copy of p without Undefined entries. Nil values are kept.
// The input is never modified.
func Sanitize(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		if IsUndefined(v) {
			continue
		}
		out[k] = v
	}
	return out
}
