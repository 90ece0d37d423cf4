package httpframe

import (
	"bytes"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// ResponseHeadersComplete reports whether buf contains the full status-line
// plus header block of an HTTP/1.x response, and if so returns the offset at
// which the terminating blank line begins (buf[:headerEnd] is the status line
// and headers without the final empty line).
func ResponseHeadersComplete(buf []byte) (headerEnd int, ok bool) {
	return findHeaderEnd(buf)
}

// ResponseKeepAlive implements http_should_keep_alive's rule (the dispatcher
// reads only this much of a response, per spec §4.4): HTTP/1.1 defaults to
// keep-alive unless Connection: close is present; HTTP/1.0 defaults to
// close unless Connection: keep-alive is present.
func ResponseKeepAlive(headerBlock []byte) bool {
	lineEnd := bytes.IndexByte(headerBlock, '\n')
	if lineEnd < 0 {
		return false
	}
	statusLine := string(trimCRLF(headerBlock[:lineEnd]))
	proto11 := strings.HasPrefix(statusLine, "HTTP/1.1")

	headers := parseHeaderLines(headerBlock[lineEnd+1:])
	conn := headers["connection"]

	if httpguts.HeaderValuesContainsToken(conn, "close") {
		return false
	}
	if httpguts.HeaderValuesContainsToken(conn, "keep-alive") {
		return true
	}
	return proto11
}
