package api

import (
	"encoding/json"
	"strings"
	"testing"
)

type recordingParser struct {
	records []string
}

func (p *recordingParser) Parse(record string) { p.records = append(p.records, record) }
func (p *recordingParser) Retrieve() (json.RawMessage, bool) {
	return nil, false
}

func TestTranscoder_RawPassThrough(t *testing.T) {
	parser := &recordingParser{}
	tc := newTranscoder("\n\n", parser, nil)

	out := tc.Feed([]byte("data: one\n\ndata: two\n\n"))
	if string(out) != "data: one\n\ndata: two\n\n" {
		t.Errorf("output = %q", out)
	}
	if len(parser.records) != 2 || parser.records[0] != "data: one" || parser.records[1] != "data: two" {
		t.Errorf("parsed records = %q", parser.records)
	}
}

func TestTranscoder_RecordSplitAcrossChunks(t *testing.T) {
	full := "data: {\"text\":\"hello world\"}\n\ndata: {\"text\":\"bye\"}\n\n"

	// Feeding byte by byte must produce the same output and the same parsed
	// records as one big chunk.
	for _, chunkSize := range []int{1, 3, 7, len(full)} {
		parser := &recordingParser{}
		tc := newTranscoder("\n\n", parser, nil)

		var out strings.Builder
		for i := 0; i < len(full); i += chunkSize {
			end := i + chunkSize
			if end > len(full) {
				end = len(full)
			}
			out.Write(tc.Feed([]byte(full[i:end])))
		}
		out.Write(tc.Finish())

		if out.String() != full {
			t.Errorf("chunk size %d: output = %q", chunkSize, out.String())
		}
		if len(parser.records) != 2 {
			t.Errorf("chunk size %d: parsed %d records, want 2", chunkSize, len(parser.records))
		}
	}
}

func TestTranscoder_TrailingPartialHeld(t *testing.T) {
	parser := &recordingParser{}
	tc := newTranscoder("\n\n", parser, nil)

	out := tc.Feed([]byte("data: complete\n\ndata: parti"))
	if string(out) != "data: complete\n\n" {
		t.Errorf("output = %q, partial record leaked", out)
	}
	if len(parser.records) != 1 {
		t.Fatalf("parsed %d records, want 1", len(parser.records))
	}

	out = tc.Feed([]byte("al\n\n"))
	if string(out) != "data: partial\n\n" {
		t.Errorf("output = %q", out)
	}
	if parser.records[1] != "data: partial" {
		t.Errorf("second record = %q", parser.records[1])
	}
}

func TestTranscoder_FinishDrainsRemainder(t *testing.T) {
	parser := &recordingParser{}
	tc := newTranscoder("\n\n", parser, nil)

	tc.Feed([]byte("data: unterminated"))
	out := tc.Finish()
	// Pass-through keeps the tail exactly as the upstream sent it, no
	// separator invented.
	if string(out) != "data: unterminated" {
		t.Errorf("Finish output = %q", out)
	}
	if parser.records[len(parser.records)-1] != "data: unterminated" {
		t.Error("tail record was not parsed for usage")
	}
	if tc.Finish() != nil {
		t.Error("second Finish should return nothing")
	}
}

func TestTranscoder_PassThroughByteIdentical(t *testing.T) {
	// A stream that ends mid-record must reach the client byte-identical
	// to what the upstream sent.
	full := "data: a\n\ndata: b"
	tc := newTranscoder("\n\n", &recordingParser{}, nil)

	var out strings.Builder
	out.Write(tc.Feed([]byte(full)))
	out.Write(tc.Finish())
	if out.String() != full {
		t.Errorf("output = %q, want %q", out.String(), full)
	}
}

func TestTranscoder_FinishConvertsTail(t *testing.T) {
	convert := func(part string) []string { return []string{"converted: " + part} }
	tc := newTranscoder("\n\n", &recordingParser{}, convert)

	tc.Feed([]byte("tail"))
	if out := tc.Finish(); string(out) != "converted: tail\n\n" {
		t.Errorf("Finish output = %q", out)
	}
}

func TestTranscoder_CustomSeparator(t *testing.T) {
	parser := &recordingParser{}
	tc := newTranscoder("\r\n\r\n", parser, nil)

	out := tc.Feed([]byte("data: a\r\n\r\ndata: b\r\n\r\n"))
	if string(out) != "data: a\r\n\r\ndata: b\r\n\r\n" {
		t.Errorf("output = %q", out)
	}
	if len(parser.records) != 2 {
		t.Errorf("parsed %d records, want 2", len(parser.records))
	}
}

func TestTranscoder_ConvertsRecords(t *testing.T) {
	parser := &recordingParser{}
	convert := func(part string) []string {
		if part == "data: skip" {
			return nil
		}
		return []string{"converted: " + part}
	}
	tc := newTranscoder("\n\n", parser, convert)

	out := tc.Feed([]byte("data: skip\n\ndata: keep\n\n"))
	if string(out) != "converted: data: keep\n\n" {
		t.Errorf("output = %q", out)
	}
	// Even skipped records are parsed for usage.
	if len(parser.records) != 2 {
		t.Errorf("parsed %d records, want 2", len(parser.records))
	}
}

func TestTranscoder_ConvertOneToMany(t *testing.T) {
	convert := func(part string) []string {
		return []string{part + "-1", part + "-2"}
	}
	tc := newTranscoder("\n\n", &recordingParser{}, convert)

	out := tc.Feed([]byte("rec\n\n"))
	if string(out) != "rec-1\n\nrec-2\n\n" {
		t.Errorf("output = %q", out)
	}
}
