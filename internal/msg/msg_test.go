package msg

import (
	"net/http"
	"testing"

	"github.com/die-net/waypoint/internal/conn"
)

func TestRetainRelease(t *testing.T) {
	t.Parallel()

	b := conn.Buffers.Copy([]byte("data"))
	m := Retain(Chunk{Data: b})
	if b.Refs() != 2 {
		t.Fatalf("refs = %d", b.Refs())
	}
	if string(Bytes(m)) != "data" {
		t.Fatalf("bytes = %q", Bytes(m))
	}
	Release(m)
	ReleaseFunc(m)()
	if b.Refs() != 0 {
		t.Fatalf("refs = %d", b.Refs())
	}

	// Heads and empty chunks carry nothing to release.
	Release(Request{Request: &http.Request{}})
	Release(Chunk{Last: true})
	if ReleaseFunc(Response{}) != nil {
		t.Fatal("response head has no payload")
	}
}

func TestInterim(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code int
		want bool
	}{
		{http.StatusContinue, true},
		{http.StatusEarlyHints, true},
		{http.StatusSwitchingProtocols, false},
		{http.StatusOK, false},
	}
	for _, tt := range tests {
		r := Response{Response: &http.Response{StatusCode: tt.code}}
		if got := r.Interim(); got != tt.want {
			t.Errorf("Interim(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
