package rtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pion/stun/v3"
)

const probeTimeout = 5 * time.Second

// ProbeResult is the outcome of a STUN binding request.
type ProbeResult struct {
	Server string
	// Mapped is the reflexive address the server saw.
	Mapped string
	RTT    time.Duration
}

// ProbeSTUN sends one binding request to a stun: URI.
func ProbeSTUN(ctx context.Context, uri string) (ProbeResult, error) {
	u, err := stun.ParseURI(uri)
	if err != nil {
		return ProbeResult{}, err
	}
	if u.Scheme != stun.SchemeTypeSTUN {
		return ProbeResult{}, fmt.Errorf("probe needs a stun: uri, got %s", u.Scheme)
	}
	addr := net.JoinHostPort(u.Host, strconv.Itoa(u.Port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return ProbeResult{}, err
	}
	defer conn.Close()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(probeTimeout)
	}
	conn.SetDeadline(deadline)

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return ProbeResult{}, err
	}
	start := time.Now()
	if _, err := conn.Write(req.Raw); err != nil {
		return ProbeResult{}, err
	}

	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return ProbeResult{}, err
		}
		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			continue
		}
		if res.TransactionID != req.TransactionID {
			continue
		}
		if res.Type != stun.BindingSuccess {
			return ProbeResult{}, errors.New("binding request failed: " + res.Type.String())
		}
		var xor stun.XORMappedAddress
		if err := xor.GetFrom(res); err != nil {
			return ProbeResult{}, fmt.Errorf("response without mapped address: %w", err)
		}
		return ProbeResult{Server: addr, Mapped: xor.String(), RTT: time.Since(start)}, nil
	}
}
