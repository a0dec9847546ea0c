package netcheck

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"go.uber.org/zap/zaptest"
)

// stunServer answers binding requests on loopback. A silent server reads
// requests and never replies.
func stunServer(t *testing.T, silent bool) string {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			if silent {
				continue
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil {
				continue
			}
			ua := addr.(*net.UDPAddr)
			res, err := stun.Build(req, stun.BindingSuccess,
				&stun.XORMappedAddress{IP: ua.IP, Port: ua.Port},
				stun.Fingerprint)
			if err != nil {
				continue
			}
			_, _ = conn.WriteTo(res.Raw, addr)
		}
	}()

	port := conn.LocalAddr().(*net.UDPAddr).Port
	return "stun:127.0.0.1:" + strconv.Itoa(port)
}

func TestProbeReturnsMappedAddress(t *testing.T) {
	url := stunServer(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := Probe(ctx, url)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.Mapped == nil || !res.Mapped.IP.Equal(net.IPv4(127, 0, 0, 1)) || res.Mapped.Port == 0 {
		t.Fatalf("mapped = %v, want a loopback address", res.Mapped)
	}
	if res.Server != url || res.RTT <= 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestProbeHonoursContext(t *testing.T) {
	url := stunServer(t, true)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Probe(ctx, url)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Probe = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("Probe ignored the context deadline")
	}
}

func TestServerAddr(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{"stun:stun.l.google.com:19302", "stun.l.google.com:19302", false},
		{"stun:global.stun.twilio.com", "global.stun.twilio.com:3478", false},
		{"turn:relay.example.com:3478", "", true},
		{"http://example.com", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := serverAddr(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("serverAddr(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("serverAddr(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}

func TestProbeAllReportsEachServer(t *testing.T) {
	good := stunServer(t, false)
	silent := stunServer(t, true)

	results := ProbeAll(context.Background(), []string{good, silent, "bogus"}, 300*time.Millisecond, zaptest.NewLogger(t))
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Err != nil || results[0].Mapped == nil {
		t.Fatalf("good server: %+v", results[0])
	}
	if !errors.Is(results[1].Err, context.DeadlineExceeded) {
		t.Fatalf("silent server: %v", results[1].Err)
	}
	if results[2].Err == nil {
		t.Fatal("bogus URL should fail")
	}
}
