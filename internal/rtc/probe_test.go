package rtc

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pion/stun/v3"
)

// fakeSTUN answers binding requests with the sender's address.
func fakeSTUN(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil {
				continue
			}
			udp := addr.(*net.UDPAddr)
			res, err := stun.Build(stun.NewTransactionIDSetter(req.TransactionID), stun.BindingSuccess,
				&stun.XORMappedAddress{IP: udp.IP, Port: udp.Port})
			if err != nil {
				continue
			}
			conn.WriteTo(res.Raw, addr)
		}
	}()
	return fmt.Sprintf("stun:%s", conn.LocalAddr().String())
}

func TestProbeSTUN(t *testing.T) {
	uri := fakeSTUN(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := ProbeSTUN(ctx, uri)
	if err != nil {
		t.Fatalf("ProbeSTUN failed: %v", err)
	}
	if !strings.HasPrefix(res.Mapped, "127.0.0.1:") {
		t.Errorf("Mapped = %q, want a loopback address", res.Mapped)
	}
	if res.RTT <= 0 {
		t.Errorf("RTT = %v", res.RTT)
	}
}

func TestProbeRejectsTURN(t *testing.T) {
	if _, err := ProbeSTUN(context.Background(), "turn:turn.example.com:3478"); err == nil {
		t.Error("expected an error for a turn uri")
	}
	if _, err := ProbeSTUN(context.Background(), "not a uri"); err == nil {
		t.Error("expected a parse error")
	}
}

func TestProbeTimesOut(t *testing.T) {
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer silent.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := ProbeSTUN(ctx, "stun:"+silent.LocalAddr().String()); err == nil {
		t.Error("expected a timeout")
	}
}
