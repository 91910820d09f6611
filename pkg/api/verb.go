package api

import "strings"

// Verb is the fixed enumeration of request methods the core understands.
type Verb int

const (
	VerbUnknown Verb = iota
	VerbOptions
	VerbGet
	VerbHead
	VerbPost
	VerbPut
	VerbDelete
	VerbTrace
	VerbConnect
	VerbTrack
	VerbMove
	VerbCopy
	VerbPropfind
	VerbProppatch
	VerbMkcol
	VerbLock
	VerbUnlock
	VerbSearch
	VerbPatch
)

var verbNames = [...]string{
	VerbUnknown:   "UNKNOWN",
	VerbOptions:   "OPTIONS",
	VerbGet:       "GET",
	VerbHead:      "HEAD",
	VerbPost:      "POST",
	VerbPut:       "PUT",
	VerbDelete:    "DELETE",
	VerbTrace:     "TRACE",
	VerbConnect:   "CONNECT",
	VerbTrack:     "TRACK",
	VerbMove:      "MOVE",
	VerbCopy:      "COPY",
	VerbPropfind:  "PROPFIND",
	VerbProppatch: "PROPPATCH",
	VerbMkcol:     "MKCOL",
	VerbLock:      "LOCK",
	VerbUnlock:    "UNLOCK",
	VerbSearch:    "SEARCH",
	VerbPatch:     "PATCH",
}

var verbsByName = func() map[string]Verb {
	m := make(map[string]Verb, len(verbNames))
	for v, name := range verbNames {
		if Verb(v) != VerbUnknown {
			m[name] = Verb(v)
		}
	}
	return m
}()

// String returns the wire name of the verb.
func (v Verb) String() string {
	if v < 0 || int(v) >= len(verbNames) {
		return verbNames[VerbUnknown]
	}
	return verbNames[v]
}

// ParseVerb maps a transport method name to a Verb. Matching is
// case-sensitive as method names are; ok is false for unrecognized names.
func ParseVerb(method string) (v Verb, ok bool) {
	v, ok = verbsByName[method]
	return v, ok
}

// ParseVerbFold is ParseVerb with case-insensitive matching. It is used for
// tunneled verbs, which arrive in headers and form fields written by hand.
func ParseVerbFold(method string) (Verb, bool) {
	return ParseVerb(strings.ToUpper(strings.TrimSpace(method)))
}
