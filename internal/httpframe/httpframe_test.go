package httpframe

import "testing"

func TestParseRequest_NeedsMoreData(t *testing.T) {
	res, err := ParseRequest([]byte("GET / HTTP/1.1\r\nHost: x\r\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Complete {
		t.Fatal("expected incomplete result for unterminated headers")
	}
}

func TestParseRequest_NoBody(t *testing.T) {
	req := "GET /a HTTP/1.1\r\nHost: x\r\n\r\n"
	res, err := ParseRequest([]byte(req))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Complete || res.Len != len(req) {
		t.Fatalf("got %+v, want complete with len %d", res, len(req))
	}
}

func TestParseRequest_ContentLength(t *testing.T) {
	head := "POST /a HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\n"
	full := head + "hello"
	res, err := ParseRequest([]byte(full))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Complete || res.Len != len(full) {
		t.Fatalf("got %+v, want complete with len %d", res, len(full))
	}

	partial := head + "he"
	res2, err := ParseRequest([]byte(partial))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res2.Complete {
		t.Fatal("expected incomplete result for short body")
	}
}

func TestParseRequest_Pipelining(t *testing.T) {
	one := "GET /a HTTP/1.1\r\nHost: x\r\n\r\n"
	two := "GET /b HTTP/1.1\r\nHost: x\r\n\r\n"
	buf := []byte(one + two)

	res, err := ParseRequest(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Complete || res.Len != len(one) {
		t.Fatalf("expected first request to end at %d, got %+v", len(one), res)
	}

	res2, err := ParseRequest(buf[res.Len:])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res2.Complete || res2.Len != len(two) {
		t.Fatalf("expected second request to end at %d, got %+v", len(two), res2)
	}
}

func TestParseRequest_Upgrade(t *testing.T) {
	req := "GET /ws HTTP/1.1\r\nHost: x\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n"
	res, err := ParseRequest([]byte(req))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Upgrade {
		t.Fatal("expected Upgrade to be detected")
	}
}

func TestParseRequest_Chunked(t *testing.T) {
	req := "POST /a HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n0\r\n\r\n"
	res, err := ParseRequest([]byte(req))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Complete || res.Len != len(req) {
		t.Fatalf("got %+v, want complete with len %d", res, len(req))
	}
}

func TestResponseKeepAlive(t *testing.T) {
	keepAlive := "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"
	if !ResponseKeepAlive([]byte(keepAlive)) {
		t.Fatal("expected HTTP/1.1 default to keep-alive")
	}

	closed := "HTTP/1.1 200 OK\r\nConnection: close\r\n\r\n"
	if ResponseKeepAlive([]byte(closed)) {
		t.Fatal("expected Connection: close to override default")
	}

	oldProto := "HTTP/1.0 200 OK\r\n\r\n"
	if ResponseKeepAlive([]byte(oldProto)) {
		t.Fatal("expected HTTP/1.0 default to close")
	}

	oldProtoKeepAlive := "HTTP/1.0 200 OK\r\nConnection: keep-alive\r\n\r\n"
	if !ResponseKeepAlive([]byte(oldProtoKeepAlive)) {
		t.Fatal("expected explicit keep-alive to override HTTP/1.0 default")
	}
}
