// Package httpremote exports a file published over plain HTTP(S) as a
// read-only NBD image. The size comes from a HEAD probe, reads are ranged
// GETs.
package httpremote

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/allape/gogger"
	"github.com/kvmgate/kvmgate/nbd"
)

var l = gogger.New("httpremote")

const userAgent = "KVMGate-NBD"

type Backend struct {
	url    string
	user   string
	passwd string

	timeout      time.Duration
	retriesDelay time.Duration

	client *http.Client
}

func New(options nbd.RemoteOptions) *Backend {
	timeout := time.Duration(options.Timeout * float64(time.Second))
	return &Backend{
		url:          options.URL,
		user:         options.User,
		passwd:       options.Passwd,
		timeout:      timeout,
		retriesDelay: time.Duration(options.RetriesDelay * float64(time.Second)),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				// ranged reads must not be transformed on the wire
				DisableCompression: true,
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: !options.Verify,
				},
			},
		},
	}
}

func (b *Backend) Probe(ctx context.Context) (nbd.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.url, nil)
	if err != nil {
		return nbd.Image{}, nbd.Errorf(nbd.KindRemote, "invalid remote URL %q: %v", b.url, err)
	}
	b.decorate(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return nbd.Image{}, fmt.Errorf("HEAD %s: %w", b.url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return nbd.Image{}, nbd.Errorf(nbd.KindRemote, "HEAD %s: unexpected status %s", b.url, resp.Status)
	}
	if resp.ContentLength < 0 {
		return nbd.Image{}, nbd.Errorf(nbd.KindRemote, "HEAD %s: no Content-Length", b.url)
	}

	l.Verbose().Printf("probed %s: %d bytes", b.url, resp.ContentLength)
	return nbd.Image{
		Size:    resp.ContentLength,
		RW:      false,
		Timeout: b.timeout,
	}, nil
}

func (b *Backend) ProbeAgain(ctx context.Context) (nbd.Image, error) {
	return b.Probe(ctx)
}

func (b *Backend) OnRead(ctx context.Context, offset int64, size int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url, nil)
	if err != nil {
		return nil, err
	}
	b.decorate(req)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+int64(size)))

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("GET %s: unexpected status %s", b.url, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(data) > size {
		data = data[:size]
	}
	return data, nil
}

func (b *Backend) OnWrite(ctx context.Context, offset int64, data []byte) error {
	return fmt.Errorf("WRITE should not be called for HTTP")
}

func (b *Backend) RetriesDelay() time.Duration {
	return b.retriesDelay
}

func (b *Backend) Cleanup() error {
	b.client.CloseIdleConnections()
	return nil
}

func (b *Backend) decorate(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	if b.user != "" {
		req.SetBasicAuth(b.user, b.passwd)
	}
}
