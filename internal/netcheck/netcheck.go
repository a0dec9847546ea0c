// Package netcheck probes the configured STUN servers before joining. Peers
// behind symmetric NATs cannot reach each other without a relay, which this
// program does not use, so the probe result is informational only.
package netcheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pion/stun/v3"
	"go.uber.org/zap"
)

const defaultSTUNPort = 3478

// Result is the outcome of one binding request.
type Result struct {
	Server string
	Mapped *net.UDPAddr
	RTT    time.Duration
	Err    error
}

// Probe sends a STUN binding request to stunURL (stun:host[:port]) and
// returns our server-reflexive address.
func Probe(ctx context.Context, stunURL string) (Result, error) {
	res := Result{Server: stunURL}

	addr, err := serverAddr(stunURL)
	if err != nil {
		res.Err = err
		return res, err
	}

	client, err := stun.Dial("udp", addr)
	if err != nil {
		res.Err = fmt.Errorf("failed to connect to STUN server %s: %w", addr, err)
		return res, res.Err
	}
	defer client.Close()

	type reply struct {
		mapped *net.UDPAddr
		err    error
	}
	done := make(chan reply, 1)
	start := time.Now()
	go func() {
		message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
		var r reply
		err := client.Do(message, func(ev stun.Event) {
			if ev.Error != nil {
				r.err = ev.Error
				return
			}
			var xorAddr stun.XORMappedAddress
			if err := xorAddr.GetFrom(ev.Message); err != nil {
				r.err = fmt.Errorf("failed to get address from STUN response: %w", err)
				return
			}
			r.mapped = &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}
		})
		if err != nil && r.err == nil {
			r.err = err
		}
		done <- r
	}()

	select {
	case r := <-done:
		res.RTT = time.Since(start)
		res.Mapped = r.mapped
		res.Err = r.err
	case <-ctx.Done():
		res.Err = ctx.Err()
	}
	return res, res.Err
}

func serverAddr(stunURL string) (string, error) {
	uri, err := stun.ParseURI(stunURL)
	if err != nil {
		return "", fmt.Errorf("invalid STUN URL %q: %w", stunURL, err)
	}
	if uri.Scheme != stun.SchemeTypeSTUN {
		return "", fmt.Errorf("invalid STUN URL %q: only stun: is supported", stunURL)
	}
	port := uri.Port
	if port == 0 {
		port = defaultSTUNPort
	}
	return net.JoinHostPort(uri.Host, strconv.Itoa(port)), nil
}

// ProbeAll probes every server concurrently, each bounded by timeout, and
// logs the outcome. Failures are not returned as errors.
func ProbeAll(ctx context.Context, urls []string, timeout time.Duration, logger *zap.Logger) []Result {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("netcheck")

	results := make([]Result, len(urls))
	done := make(chan int, len(urls))
	for i, u := range urls {
		go func() {
			pctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			results[i], _ = Probe(pctx, u)
			done <- i
		}()
	}
	for range urls {
		<-done
	}

	reachable := 0
	for _, r := range results {
		switch {
		case r.Err == nil:
			reachable++
			logger.Info("STUN server reachable",
				zap.String("server", r.Server),
				zap.Stringer("mapped", r.Mapped),
				zap.Duration("rtt", r.RTT))
		case errors.Is(r.Err, context.DeadlineExceeded):
			logger.Warn("STUN server timed out", zap.String("server", r.Server))
		default:
			logger.Warn("STUN probe failed", zap.String("server", r.Server), zap.Error(r.Err))
		}
	}
	if len(urls) > 0 && reachable == 0 {
		logger.Warn("No STUN server reachable; peers outside this network may not connect")
	}
	return results
}
