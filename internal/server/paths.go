package server

import "strings"

// chargeClass controls budget handling per endpoint.
type chargeClass int

const (
	// chargeToken endpoints estimate tokens and reserve budgets.
	chargeToken chargeClass = iota
	// chargeFree endpoints skip budgeting entirely.
	chargeFree
	// chargeUnsupported endpoints are routed but never budgeted.
	chargeUnsupported
)

// openAI resource roots recognised for unprefixed alias rewriting.
var knownResources = map[string]bool{
	"chat":        true,
	"completions": true,
	"embeddings":  true,
	"moderations": true,
	"rerank":      true,
	"responses":   true,
	"images":      true,
	"audio":       true,
	"files":       true,
	"batches":     true,
	"models":      true,
}

// NormalizePath rewrites unprefixed OpenAI aliases to their /v1 form so all
// downstream logic sees canonical paths. Suffixes like /files/{id} are kept.
// known reports whether the path names a recognised resource.
func NormalizePath(path string) (string, bool) {
	trimmed := strings.TrimPrefix(path, "/v1")
	if trimmed == "" {
		trimmed = "/"
	}
	seg := trimmed
	if len(seg) > 0 && seg[0] == '/' {
		seg = seg[1:]
	}
	if i := strings.IndexByte(seg, '/'); i >= 0 {
		seg = seg[:i]
	}
	return "/v1" + trimmed, knownResources[seg]
}

// classify returns the charge class for a canonical /v1 path.
func classify(path string) chargeClass {
	rest := strings.TrimPrefix(path, "/v1/")
	switch {
	case rest == "chat/completions",
		rest == "completions",
		rest == "embeddings",
		rest == "moderations",
		rest == "rerank",
		rest == "responses",
		strings.HasPrefix(rest, "responses/"):
		return chargeToken
	case rest == "files" || strings.HasPrefix(rest, "files/"):
		return chargeFree
	default:
		return chargeUnsupported
	}
}

// isMultipart reports whether the canonical path expects multipart bodies.
func isMultipart(path string) bool {
	rest := strings.TrimPrefix(path, "/v1/")
	return rest == "files" ||
		rest == "audio/transcriptions" ||
		rest == "audio/translations"
}

// supportsStreaming reports whether the endpoint may return SSE streams.
func supportsStreaming(path string) bool {
	rest := strings.TrimPrefix(path, "/v1/")
	return rest == "chat/completions" || rest == "completions" || rest == "responses"
}
