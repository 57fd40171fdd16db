package common

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHttpRequest_WriteAndRead(t *testing.T) {
	req := NewHttpRequest("CONNECT", "example.com:443").
		SetHeader("Proxy-Protocol", "tcp").
		SetHeader("X-Forwarded-For", "10.0.0.1")

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, req.WriteTo(w))

	parsed, err := ReadHttpRequest(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, "CONNECT", parsed.Method)
	assert.Equal(t, "example.com:443", parsed.Resource)
	assert.Equal(t, "tcp", parsed.Header("proxy-protocol", ""))
	assert.Equal(t, "10.0.0.1", parsed.Header("X-FORWARDED-FOR", ""))
	assert.Equal(t, "missing", parsed.Header("not-set", "missing"))
}

func TestReadHttpRequest_RejectsBareLF(t *testing.T) {
	raw := "CONNECT example.com:443 HTTP/1.1\n\n"
	_, err := ReadHttpRequest(bufio.NewReader(bytes.NewBufferString(raw)))
	require.Error(t, err)
}

func TestReadHttpRequest_RejectsMalformedRequestLine(t *testing.T) {
	raw := "GARBAGE\r\n\r\n"
	_, err := ReadHttpRequest(bufio.NewReader(bytes.NewBufferString(raw)))
	assert.ErrorIs(t, err, ErrInvalidMethod)
}

func TestHttpResponse_WriteWithBody(t *testing.T) {
	resp := NewHttpResponse(503, "Service Unavailable").
		SetHeader("Content-Length", "11").
		SetHeader("Content-Type", "text/plain")

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, resp.WriteWithBody(w, []byte("no route up")))

	parsed, err := ReadHttpResponse(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, 503, parsed.Code)
	assert.Equal(t, "Service Unavailable", parsed.Status)
	assert.Equal(t, "11", parsed.Header("content-length", ""))
}

func TestReadHttpRequest_RejectsOversizedUnterminatedLine(t *testing.T) {
	raw := strings.Repeat("A", maxHeaderBytes*2)
	_, err := ReadHttpRequest(bufio.NewReader(bytes.NewBufferString(raw)))
	require.Error(t, err)
}

func TestReadHttpResponse_RejectsMalformedStatusCode(t *testing.T) {
	raw := "HTTP/1.1 notanumber OK\r\n\r\n"
	_, err := ReadHttpResponse(bufio.NewReader(bytes.NewBufferString(raw)))
	assert.ErrorIs(t, err, ErrUpstreamRefused)
}

func TestHeaderOrderPreserved(t *testing.T) {
	req := NewHttpRequest("CONNECT", "a:1").SetHeader("A", "1").SetHeader("B", "2").SetHeader("A", "3")
	// first match wins on read
	assert.Equal(t, "1", req.Header("a", ""))
}
