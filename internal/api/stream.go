package api

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/opencode-ai/gateway/internal/dump"
	"github.com/opencode-ai/gateway/internal/metrics"
	"github.com/opencode-ai/gateway/internal/provider"
)

// clientSeparator terminates every record sent to the client, regardless of
// what the upstream uses.
const clientSeparator = "\n\n"

// transcoder splits an upstream byte stream into records on the provider's
// separator, feeds every record to the usage parser, and converts records
// to the client's format when the two differ. Bytes after the last
// separator are held until the next chunk, so records split across network
// reads are never processed in halves.
type transcoder struct {
	sep     []byte
	parser  provider.UsageParser
	convert func(part string) []string // nil: pass records through untouched
	buf     []byte
}

func newTranscoder(sep string, parser provider.UsageParser, convert func(string) []string) *transcoder {
	return &transcoder{sep: []byte(sep), parser: parser, convert: convert}
}

// Feed consumes one upstream chunk and returns the client bytes it
// completes.
func (t *transcoder) Feed(chunk []byte) []byte {
	t.buf = append(t.buf, chunk...)

	var out []byte
	for {
		idx := bytes.Index(t.buf, t.sep)
		if idx < 0 {
			return out
		}
		record := t.buf[:idx]
		t.buf = t.buf[idx+len(t.sep):]
		out = append(out, t.emit(record)...)
	}
}

// Finish drains whatever the stream left without a trailing separator. In
// pass-through mode the tail is forwarded verbatim, so the client sees
// exactly the bytes the upstream sent.
func (t *transcoder) Finish() []byte {
	if len(t.buf) == 0 {
		return nil
	}
	record := t.buf
	t.buf = nil

	t.parser.Parse(string(record))
	if t.convert == nil {
		return record
	}
	return t.converted(record)
}

func (t *transcoder) emit(record []byte) []byte {
	t.parser.Parse(string(record))

	if t.convert == nil {
		return append(record, t.sep...)
	}
	return t.converted(record)
}

func (t *transcoder) converted(record []byte) []byte {
	var out []byte
	for _, part := range t.convert(string(record)) {
		out = append(out, part...)
		out = append(out, clientSeparator...)
	}
	return out
}

// streamResponse pumps the upstream SSE body to the client, transcoding
// between formats when they differ. Accounting runs afterwards on whatever
// usage the stream carried, even when the client disconnected mid-stream.
func (h *Handler) streamResponse(w http.ResponseWriter, r *http.Request, req *pipelineRequest, fr *forwardResult, collector *dump.Collector, limiter trackers) {
	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	if fr.sel.Format == req.format {
		copyResponseHeaders(w, fr.resp)
	} else {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
	}
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	var convert func(string) []string
	if fr.sel.Format != req.format {
		convert = provider.ConvertStreamPart(fr.sel.Format, req.format, req.model.ID)
	}
	parser := fr.adapter.NewUsageParser()
	tc := newTranscoder(fr.sel.StreamSeparator, parser, convert)

	write := func(out []byte) {
		if len(out) == 0 {
			return
		}
		collector.ProvideStream(string(out))
		if _, err := w.Write(out); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	firstByte := false
	chunk := make([]byte, 4096)
	for {
		n, err := fr.resp.Body.Read(chunk)
		if n > 0 {
			if !firstByte {
				firstByte = true
				metrics.RecordTimeToFirstByte(fr.sel.ID, req.model.ID, time.Since(fr.start).Seconds())
			}
			write(tc.Feed(chunk[:n]))
		}
		if err != nil {
			if err != io.EOF && r.Context().Err() == nil {
				slog.Warn("upstream stream read failed", "provider", fr.sel.ID, "error", err)
			}
			break
		}
	}
	write(tc.Finish())

	// The client context may already be canceled; accounting must not be.
	ctx := context.WithoutCancel(r.Context())
	collector.Flush(ctx)

	rawUsage, ok := parser.Retrieve()
	if !ok {
		slog.Warn("stream carried no usage", "provider", fr.sel.ID, "model", req.model.ID)
	}
	h.settle(ctx, req, fr, fr.adapter.NormalizeUsage(rawUsage), limiter, ok)
}

// bufferedResponse handles the non-streaming path: the upstream body is
// read whole, passed through verbatim when formats match, or re-rendered
// in the client's protocol otherwise.
func (h *Handler) bufferedResponse(w http.ResponseWriter, r *http.Request, req *pipelineRequest, fr *forwardResult, collector *dump.Collector, limiter trackers) {
	body, err := io.ReadAll(fr.resp.Body)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	collector.ProvideResponse(body)

	result, err := fr.adapter.ParseResponse(body)
	if err != nil {
		slog.Warn("unparseable upstream response", "provider", fr.sel.ID, "error", err)
		result = &provider.Result{}
	}

	if fr.sel.Format == req.format {
		copyResponseHeaders(w, fr.resp)
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	} else {
		result.Model = req.model.ID
		writeJSON(w, http.StatusOK, provider.ForFormat(req.format).RenderResponse(result))
	}

	ctx := context.WithoutCancel(r.Context())
	collector.Flush(ctx)
	h.settle(ctx, req, fr, fr.adapter.NormalizeUsage(result.RawUsage), limiter, true)
}
