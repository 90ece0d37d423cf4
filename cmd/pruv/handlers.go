package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/adler32"
	"io"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/API92/pruv/internal/shmbuf"
)

// writeResponse grows resp (if needed) to hold body, copies body in, and
// records its length — the Handler-side half of the "resp_len of
// resp_file_size" accounting the wire protocol reports (spec §4.5/§4.8).
func writeResponse(resp *shmbuf.Buffer, body []byte) error {
	need := len(body)
	if need > resp.FileSize() {
		if err := resp.Resize(need); err != nil {
			return fmt.Errorf("resize response: %w", err)
		}
	}
	if err := resp.Map(0, need); err != nil {
		return fmt.Errorf("map response: %w", err)
	}
	copy(resp.Bytes(), body)
	resp.SetDataSize(need)
	return nil
}

func httpResponse(status string, keepAlive bool, body []byte) []byte {
	conn := "close"
	if keepAlive {
		conn = "keep-alive"
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %s\r\nContent-Length: %d\r\nConnection: %s\r\n\r\n", status, len(body), conn)
	buf.Write(body)
	return buf.Bytes()
}

// readBody parses req as a full HTTP/1.x request (request line, headers,
// body framed by Content-Length) and returns just the body — the worker
// side never needs the request line or headers the handler fixtures below
// care about.
func readBody(req []byte) ([]byte, error) {
	r, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(req)))
	if err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// EchoStatus is the built-in default Handler (spec §4.9): an empty 200 OK,
// keep-alive, used when no test fixture is wired in.
func EchoStatus(req []byte, resp *shmbuf.Buffer) error {
	return writeResponse(resp, httpResponse("200 OK", true, nil))
}

// NewSizeEcho returns the S1/S2 fixture: the request body is
// [u64 resp_len LE][u64 keep_alive LE]; the response body is resp_len
// bytes with response[i] == byte(i).
func NewSizeEcho() func(req []byte, resp *shmbuf.Buffer) error {
	return func(req []byte, resp *shmbuf.Buffer) error {
		body, err := readBody(req)
		if err != nil {
			return err
		}
		if len(body) < 16 {
			return fmt.Errorf("size-echo: short body (%d bytes)", len(body))
		}
		respLen := int(binary.LittleEndian.Uint64(body[0:8]))
		keepAlive := binary.LittleEndian.Uint64(body[8:16]) != 0

		out := make([]byte, respLen)
		for i := range out {
			out[i] = byte(i)
		}
		return writeResponse(resp, httpResponse("200 OK", keepAlive, out))
	}
}

// Adler32Echo is the S3 fixture: the response body is the 4-byte
// little-endian adler32 checksum of the request body.
func Adler32Echo(req []byte, resp *shmbuf.Buffer) error {
	body, err := readBody(req)
	if err != nil {
		return err
	}
	sum := adler32.Checksum(body)
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, sum)
	return writeResponse(resp, httpResponse("200 OK", true, out))
}

// XorCascade is the S4 fixture: the response is a running XOR of the
// request body (byte i is the XOR of body bytes 0..i), a cheap
// content-dependent transform that makes response-ordering mistakes
// visible in concatenated output.
func XorCascade(req []byte, resp *shmbuf.Buffer) error {
	body, err := readBody(req)
	if err != nil {
		return err
	}
	out := make([]byte, len(body))
	var acc byte
	for i, b := range body {
		acc ^= b
		out[i] = acc
	}
	return writeResponse(resp, httpResponse("200 OK", true, out))
}

// NewCrashOnFirst is the S5 fixture: the first request handled anywhere
// across the whole worker pool terminates that worker process without
// responding, exercising the dispatcher's worker-crash recovery path; every
// later request — necessarily served by a different worker, since the
// first one is dead — is answered normally. markerPath, if non-empty, is a
// file used to make the "already crashed once" fact visible across the
// separate OS processes a real worker pool spawns; an empty markerPath
// falls back to in-memory state for tests that wire the handler directly
// into a single process.
func NewCrashOnFirst(markerPath string) func(req []byte, resp *shmbuf.Buffer) error {
	var handled atomic.Bool
	return func(req []byte, resp *shmbuf.Buffer) error {
		crashed := false
		if markerPath != "" {
			if _, err := os.Stat(markerPath); os.IsNotExist(err) {
				_ = os.WriteFile(markerPath, []byte("1"), 0600)
				crashed = true
			}
		} else {
			crashed = !handled.Swap(true)
		}
		if crashed {
			os.Exit(1)
		}
		return writeResponse(resp, httpResponse("200 OK", true, nil))
	}
}
