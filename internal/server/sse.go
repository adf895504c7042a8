package server

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"

	gateway "github.com/dittolabs/ditto/internal"
)

// sseScanBuffer bounds a single SSE line; large tool-call deltas fit well
// within this.
const sseScanBuffer = 1 << 20

// pipeStream forwards an SSE response chunk-by-chunk, flushing after every
// event and folding usage out of data payloads as they pass. On an upstream
// read error after the status has gone out, a terminal error event and
// [DONE] are emitted before closing.
func (s *server) pipeStream(ctx context.Context, w http.ResponseWriter, backend, model string, resp *http.Response) (upstreamResult, error) {
	defer resp.Body.Close()

	h := w.Header()
	copySanitizedResponseHeaders(h, resp.Header)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	res := upstreamResult{
		status:     resp.StatusCode,
		header:     resp.Header,
		backend:    backend,
		model:      model,
		streamed:   true,
		headerSent: true,
	}

	var usage *gateway.Usage
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), sseScanBuffer)

	for sc.Scan() {
		line := sc.Bytes()

		if data, ok := strings.CutPrefix(string(line), "data: "); ok && data != "[DONE]" {
			if u := extractUsage([]byte(data)); u != nil {
				usage = u
			}
		}

		if _, err := w.Write(line); err != nil {
			res.usage = usage
			return res, fmt.Errorf("%w: client write: %v", gateway.ErrBackend, err)
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			res.usage = usage
			return res, fmt.Errorf("%w: client write: %v", gateway.ErrBackend, err)
		}
		if len(line) == 0 {
			// Blank line terminates an event; push it to the client now.
			flush()
		}
	}

	res.usage = usage
	if err := sc.Err(); err != nil {
		writeStreamError(w, err)
		flush()
		return res, fmt.Errorf("%w: %s stream: %v", gateway.ErrBackend, backend, err)
	}
	flush()
	return res, nil
}

// writeStreamError emits the terminal error event followed by [DONE] so
// clients parsing the stream see a well-formed ending.
func writeStreamError(w http.ResponseWriter, err error) {
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	fmt.Fprintf(w, "data: {\"error\":{\"type\":\"backend_error\",\"code\":\"stream_interrupted\",\"message\":%q}}\n\n", msg)
	fmt.Fprint(w, "data: [DONE]\n\n")
}
