// Package httpframe implements the dispatcher-side incremental HTTP/1.x
// framing: locating complete pipelined requests inside a shared read buffer,
// and extracting keep-alive from a response's headers. Grounded on the
// teacher's core/http/parser.go (hand-rolled, zero-allocation scanning
// style) generalized from one-shot to pipelined framing per spec §4.4, with
// Connection-header token semantics delegated to
// golang.org/x/net/http/httpguts rather than re-implemented.
package httpframe

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/net/http/httpguts"
)

// MaxHeaderSize bounds how many bytes of an unterminated header block this
// parser will buffer before giving up — a defensive cap, not part of the
// wire contract (unbounded headers would otherwise defeat the 1 MiB
// buffered-but-unprocessed cap spec §4.4 calls for at a higher layer, but
// this stops a single pathological header line from consuming it alone).
const MaxHeaderSize = 32 * 1024

// ErrTooLarge is returned when a request's header block exceeds MaxHeaderSize
// without terminating — a hard parse error (spec §4.4: connection closed).
var ErrTooLarge = errors.New("httpframe: header block too large")

// ErrMalformed is returned for a request line or header block violating the
// minimal HTTP/1.x grammar this parser checks.
var ErrMalformed = errors.New("httpframe: malformed request")

// Result describes what ParseRequest discovered about the message starting
// at the front of the buffer it was given.
type Result struct {
	Complete bool   // the full message (headers+body) is present
	Len      int    // total bytes of the message, only valid if Complete
	Proto    string // request protocol tag reported to the worker, e.g. "HTTP"
	Upgrade  bool   // Upgrade was requested — spec §4.4: unsupported, close
}

// ParseRequest scans buf (a read buffer's bytes starting at the current
// pipelining position) for one complete HTTP/1.x request. It is called
// repeatedly as more bytes arrive; Complete=false simply means "need more
// bytes", not an error.
func ParseRequest(buf []byte) (Result, error) {
	headerEnd, ok := findHeaderEnd(buf)
	if !ok {
		if len(buf) > MaxHeaderSize {
			return Result{}, ErrTooLarge
		}
		return Result{}, nil
	}

	lineEnd := bytes.IndexByte(buf, '\n')
	if lineEnd < 0 {
		return Result{}, ErrMalformed
	}
	line := trimCRLF(buf[:lineEnd])
	if _, _, _, err := splitRequestLine(line); err != nil {
		return Result{}, err
	}

	headers := parseHeaderLines(buf[lineEnd+1 : headerEnd])

	// findHeaderEnd may have matched a bare-LF blank line ("\n\n").
	bodyStart := headerEnd + 2
	if bytes.HasPrefix(buf[headerEnd:], []byte("\r\n\r\n")) {
		bodyStart = headerEnd + 4
	}

	upgrade := len(headers["upgrade"]) > 0 &&
		httpguts.HeaderValuesContainsToken(headers["connection"], "upgrade")
	if upgrade {
		return Result{Complete: true, Len: bodyStart, Proto: "HTTP", Upgrade: true}, nil
	}

	bodyLen, chunked, err := bodyFraming(headers)
	if err != nil {
		return Result{}, err
	}

	if chunked {
		total, complete, err := scanChunkedBody(buf, bodyStart)
		if err != nil {
			return Result{}, err
		}
		if !complete {
			return Result{}, nil
		}
		return Result{Complete: true, Len: total, Proto: "HTTP"}, nil
	}

	total := bodyStart + bodyLen
	if len(buf) < total {
		return Result{}, nil
	}
	return Result{Complete: true, Len: total, Proto: "HTTP"}, nil
}

// findHeaderEnd finds the blank line terminating the header block, tolerant
// of bare-LF line endings the way the teacher's parser is.
func findHeaderEnd(buf []byte) (int, bool) {
	if i := bytes.Index(buf, []byte("\r\n\r\n")); i >= 0 {
		return i, true
	}
	if i := bytes.Index(buf, []byte("\n\n")); i >= 0 {
		return i, true
	}
	return 0, false
}

func trimCRLF(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}
	return b
}

func splitRequestLine(line []byte) (method, target, proto string, err error) {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 < 0 {
		return "", "", "", fmt.Errorf("%w: missing method", ErrMalformed)
	}
	rest := line[sp1+1:]
	sp2 := bytes.IndexByte(rest, ' ')
	if sp2 < 0 {
		return "", "", "", fmt.Errorf("%w: missing request-target", ErrMalformed)
	}
	return string(line[:sp1]), string(rest[:sp2]), string(rest[sp2+1:]), nil
}

// headerMap is keyed by lowercased header name to raw (unsplit) values, the
// shape httpguts.HeaderValuesContainsToken expects.
type headerMap map[string][]string

func parseHeaderLines(buf []byte) headerMap {
	h := make(headerMap)
	for len(buf) > 0 {
		lineEnd := bytes.IndexByte(buf, '\n')
		var line []byte
		if lineEnd < 0 {
			line = buf
			buf = nil
		} else {
			line = buf[:lineEnd]
			buf = buf[lineEnd+1:]
		}
		line = trimCRLF(line)
		if len(line) == 0 {
			continue
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			continue
		}
		key := string(bytes.ToLower(bytes.TrimSpace(line[:colon])))
		val := string(bytes.TrimSpace(line[colon+1:]))
		h[key] = append(h[key], val)
	}
	return h
}

func bodyFraming(h headerMap) (bodyLen int, chunked bool, err error) {
	if te := h["transfer-encoding"]; len(te) > 0 && httpguts.HeaderValuesContainsToken(te, "chunked") {
		return 0, true, nil
	}
	cl := h["content-length"]
	if len(cl) == 0 {
		return 0, false, nil
	}
	n := 0
	for _, c := range cl[0] {
		if c < '0' || c > '9' {
			return 0, false, fmt.Errorf("%w: bad content-length", ErrMalformed)
		}
		n = n*10 + int(c-'0')
	}
	return n, false, nil
}

// scanChunkedBody walks chunk-size lines starting at bodyStart, returning
// the absolute end offset once the terminating zero-size chunk and its
// trailing CRLF have both been seen.
func scanChunkedBody(buf []byte, bodyStart int) (end int, complete bool, err error) {
	pos := bodyStart
	for {
		lineEnd := bytes.IndexByte(buf[pos:], '\n')
		if lineEnd < 0 {
			return 0, false, nil
		}
		sizeLine := trimCRLF(buf[pos : pos+lineEnd])
		if semi := bytes.IndexByte(sizeLine, ';'); semi >= 0 {
			sizeLine = sizeLine[:semi]
		}
		size := 0
		if len(sizeLine) == 0 {
			return 0, false, fmt.Errorf("%w: empty chunk size", ErrMalformed)
		}
		for _, c := range sizeLine {
			v, ok := hexVal(c)
			if !ok {
				return 0, false, fmt.Errorf("%w: bad chunk size", ErrMalformed)
			}
			size = size*16 + v
		}
		chunkStart := pos + lineEnd + 1
		if size == 0 {
			// Trailing headers (rarely used) followed by a blank line.
			trailerEnd, ok := findHeaderEndFrom(buf, chunkStart)
			if !ok {
				return 0, false, nil
			}
			return trailerEnd, true, nil
		}
		need := chunkStart + size + 2 // chunk data + trailing CRLF
		if len(buf) < need {
			return 0, false, nil
		}
		pos = need
	}
}

func findHeaderEndFrom(buf []byte, from int) (int, bool) {
	// A chunked message's trailer section is itself terminated by CRLF CRLF
	// (or just CRLF if there are no trailer headers); tolerate both like
	// findHeaderEnd does for the main header block.
	if from+2 <= len(buf) && buf[from] == '\r' && buf[from+1] == '\n' {
		return from + 2, true
	}
	if i := bytes.Index(buf[from:], []byte("\r\n\r\n")); i >= 0 {
		return from + i + 4, true
	}
	return 0, false
}

func hexVal(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	default:
		return 0, false
	}
}
