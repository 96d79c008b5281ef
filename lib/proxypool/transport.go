package proxypool

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

// Credentials are injected into endpoints that carry no userinfo of
// their own.
type Credentials struct {
	Username string
	Password string
}

// NewTransport builds a transport that routes every request through the
// endpoint. Keep-alives are disabled so each call dials a fresh connection,
// keeping per-call response times honest.
func NewTransport(endpoint string, auth *Credentials, timeout time.Duration) (*http.Transport, error) {
	parsed, err := url.Parse(Normalize(endpoint))
	if err != nil {
		return nil, err
	}
	if auth != nil && parsed.User == nil {
		parsed.User = url.UserPassword(auth.Username, auth.Password)
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 0,
		}).DialContext,
		DisableKeepAlives:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	switch parsed.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsed)
	case "socks5":
		var socksAuth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			socksAuth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", parsed.Host, socksAuth, &net.Dialer{Timeout: timeout})
		if err != nil {
			return nil, err
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	case "socks4":
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialSocks4(ctx, parsed, addr, timeout)
		}
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", parsed.Scheme)
	}

	return transport, nil
}

// the stdlib transport has no socks4 support, so the handshake is done by
// hand: version 4, command CONNECT, then destination port and address.
func dialSocks4(ctx context.Context, proxyUrl *url.URL, target string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxyUrl.Host)
	if err != nil {
		return nil, err
	}

	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		conn.Close()
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		conn.Close()
		return nil, fmt.Errorf("invalid target port %q", portStr)
	}

	ip := net.ParseIP(host)
	ipBytes := ip.To4()
	var domainName string
	if ipBytes == nil {
		// SOCKS4a: 0.0.0.1 signals that the hostname follows the user id
		ipBytes = []byte{0x00, 0x00, 0x00, 0x01}
		domainName = host
	}

	userField := ""
	if proxyUrl.User != nil {
		userField = proxyUrl.User.Username()
	}

	req := []byte{0x04, 0x01, byte(port >> 8), byte(port)}
	req = append(req, ipBytes...)
	req = append(req, []byte(userField)...)
	req = append(req, 0x00)
	if domainName != "" {
		req = append(req, []byte(domainName)...)
		req = append(req, 0x00)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(timeout))
	}

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, err
	}

	resp := make([]byte, 8)
	if _, err := io.ReadFull(conn, resp); err != nil {
		conn.Close()
		return nil, err
	}
	if resp[1] != 0x5A {
		conn.Close()
		return nil, fmt.Errorf("socks4 connect failed with code %d", resp[1])
	}

	conn.SetDeadline(time.Time{})
	return conn, nil
}
