package procspawn

import (
	"os"
	"testing"
)

func TestIsDaemonChild(t *testing.T) {
	os.Unsetenv(handshakeEnv)
	if IsDaemonChild() {
		t.Fatal("expected false with no handshake env set")
	}

	os.Setenv(handshakeEnv, "3")
	defer os.Unsetenv(handshakeEnv)
	if !IsDaemonChild() {
		t.Fatal("expected true once handshake env is set")
	}
}

func TestNotifyReady_NoopWithoutHandshake(t *testing.T) {
	os.Unsetenv(handshakeEnv)
	if err := NotifyReady(); err != nil {
		t.Fatalf("expected no-op, got error: %v", err)
	}
}
