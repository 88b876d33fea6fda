// Package network fetches main resources for document loaders over HTTP. It
// does its I/O on its own goroutines and hands every callback to the loader's
// owning goroutine through a scheduler.TaskRunner.
package network

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/crawlkit/internal/config"
)

const (
	DefaultDialTimeout           = 15 * time.Second
	DefaultKeepAlive             = 30 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 30 * time.Second

	DefaultMaxIdleConns        = 100
	DefaultMaxIdleConnsPerHost = 10
	DefaultMaxConnsPerHost     = 15
	DefaultIdleConnTimeout     = 90 * time.Second
)

// MinTLSVersion is the floor applied unless TLS errors are being ignored.
const MinTLSVersion = tls.VersionTLS12

// NewTransport builds the base transport from the network configuration.
// Compression is left to DecodingTransport so every encoding is handled in
// one place.
func NewTransport(cfg config.NetworkConfig, logger *zap.Logger) (*http.Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := &net.Dialer{Timeout: DefaultDialTimeout, KeepAlive: DefaultKeepAlive}

	t := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       newTLSConfig(cfg.IgnoreTLSErrors, logger),
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		MaxConnsPerHost:       DefaultMaxConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
	}

	if cfg.Proxy.Enabled {
		proxyURL, err := url.Parse(cfg.Proxy.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy address %q: %w", cfg.Proxy.Address, err)
		}
		if proxyURL.Scheme == "" || proxyURL.Host == "" {
			return nil, fmt.Errorf("invalid proxy address %q: scheme and host are required", cfg.Proxy.Address)
		}
		t.Proxy = http.ProxyURL(proxyURL)
		logger.Info("Routing fetches through proxy", zap.String("proxy", proxyURL.Redacted()))
	}
	return t, nil
}

// NewHTTPClient returns a client that never follows redirects on its own:
// each hop is surfaced to the document loader, which decides whether to
// continue.
func NewHTTPClient(cfg config.NetworkConfig, logger *zap.Logger) (*http.Client, error) {
	base, err := NewTransport(cfg, logger)
	if err != nil {
		return nil, err
	}
	client := &http.Client{
		Transport: NewDecodingTransport(base),
		Timeout:   cfg.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	if cfg.CookieJar {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		client.Jar = jar
	}
	return client, nil
}

func newTLSConfig(insecure bool, logger *zap.Logger) *tls.Config {
	c := &tls.Config{
		MinVersion: MinTLSVersion,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		},
		ClientSessionCache: tls.NewLRUClientSessionCache(256),
		NextProtos:         []string{"h2", "http/1.1"},
	}
	if insecure {
		logger.Warn("TLS certificate verification is disabled")
		c.InsecureSkipVerify = true
	}
	return c
}
