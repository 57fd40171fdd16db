// Package common implements the wire-level building blocks shared by
// listeners and connectors: the HTTP/1.1 request/response codec used for
// CONNECT handshakes, the length-delimited frame codec used for UDP-mode
// sessions, and small address/error helpers.
package common

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// maxHeaderBytes caps the size of a parsed request/response to guard against
// a client that never sends the terminating blank line.
const maxHeaderBytes = 8 * 1024

// Header is a single ordered header field.
type Header struct {
	Name  string
	Value string
}

type headerList []Header

func (h headerList) get(name, def string) string {
	for _, kv := range h {
		if strings.EqualFold(kv.Name, name) {
			return kv.Value
		}
	}
	return def
}

func (h *headerList) set(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// HttpRequest is a parsed CONNECT-style HTTP/1.1 request line plus headers.
type HttpRequest struct {
	Method   string
	Resource string
	Version  string
	headers  headerList
}

// NewHttpRequest builds a request ready for Write/WriteTo.
func NewHttpRequest(method, resource string) *HttpRequest {
	return &HttpRequest{Method: method, Resource: resource, Version: "HTTP/1.1"}
}

// Header returns the first value for name (case-insensitive), or def.
func (r *HttpRequest) Header(name, def string) string {
	return r.headers.get(name, def)
}

// SetHeader appends a header; duplicates are allowed, first one wins on read.
func (r *HttpRequest) SetHeader(name, value string) *HttpRequest {
	r.headers.set(name, value)
	return r
}

// ReadHttpRequest reads a request line and headers up to the blank line.
func ReadHttpRequest(r *bufio.Reader) (*HttpRequest, error) {
	line, err := readCRLFLine(r)
	if err != nil {
		return nil, errors.Wrap(ErrTransport, err.Error())
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, errors.Wrapf(ErrInvalidMethod, "malformed request line: %q", line)
	}
	req := &HttpRequest{Method: parts[0], Resource: parts[1], Version: parts[2]}
	headers, err := readHeaders(r)
	if err != nil {
		return nil, err
	}
	req.headers = headers
	return req, nil
}

// WriteTo writes the request line and headers terminated by a blank line.
func (r *HttpRequest) WriteTo(w *bufio.Writer) error {
	if _, err := fmt.Fprintf(w, "%s %s %s\r\n", r.Method, r.Resource, r.Version); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	return writeHeadersAndFlush(w, r.headers)
}

// HttpResponse is a parsed status line plus headers and optional body.
type HttpResponse struct {
	Code    int
	Status  string
	Version string
	headers headerList
	Body    []byte
}

// NewHttpResponse builds a response ready for WriteTo/WriteWithBody.
func NewHttpResponse(code int, status string) *HttpResponse {
	return &HttpResponse{Code: code, Status: status, Version: "HTTP/1.1"}
}

// Header returns the first value for name (case-insensitive), or def.
func (r *HttpResponse) Header(name, def string) string {
	return r.headers.get(name, def)
}

// SetHeader appends a header; duplicates are allowed, first one wins on read.
func (r *HttpResponse) SetHeader(name, value string) *HttpResponse {
	r.headers.set(name, value)
	return r
}

// ReadHttpResponse reads a status line and headers up to the blank line.
func ReadHttpResponse(r *bufio.Reader) (*HttpResponse, error) {
	line, err := readCRLFLine(r)
	if err != nil {
		return nil, errors.Wrap(ErrTransport, err.Error())
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, errors.Wrapf(ErrUpstreamRefused, "malformed status line: %q", line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, errors.Wrapf(ErrUpstreamRefused, "malformed status code: %q", parts[1])
	}
	resp := &HttpResponse{Version: parts[0], Code: code, Status: parts[2]}
	headers, err := readHeaders(r)
	if err != nil {
		return nil, err
	}
	resp.headers = headers
	return resp, nil
}

// WriteTo writes the status line and headers terminated by a blank line,
// with no body.
func (r *HttpResponse) WriteTo(w *bufio.Writer) error {
	if _, err := fmt.Fprintf(w, "%s %d %s\r\n", r.Version, r.Code, r.Status); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	return writeHeadersAndFlush(w, r.headers)
}

// WriteWithBody writes the status line, headers, blank line, then body
// verbatim. The caller is responsible for a correct Content-Length header.
func (r *HttpResponse) WriteWithBody(w *bufio.Writer, body []byte) error {
	if _, err := fmt.Fprintf(w, "%s %d %s\r\n", r.Version, r.Code, r.Status); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	for _, h := range r.headers {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", h.Name, h.Value); err != nil {
			return errors.Wrap(ErrTransport, err.Error())
		}
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	if _, err := w.Write(body); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	return nil
}

func writeHeadersAndFlush(w *bufio.Writer, headers headerList) error {
	for _, h := range headers {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", h.Name, h.Value); err != nil {
			return errors.Wrap(ErrTransport, err.Error())
		}
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	return nil
}

func readHeaders(r *bufio.Reader) (headerList, error) {
	var headers headerList
	total := 0
	for {
		line, err := readCRLFLine(r)
		if err != nil {
			return nil, errors.Wrap(ErrTransport, err.Error())
		}
		if line == "" {
			return headers, nil
		}
		total += len(line)
		if total > maxHeaderBytes {
			return nil, errors.Wrap(ErrInvalidMethod, "header section too large")
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errors.Wrapf(ErrInvalidMethod, "malformed header line: %q", line)
		}
		headers.set(strings.TrimSpace(name), strings.TrimSpace(value))
	}
}

// readCRLFLine reads a single line terminated by CRLF, requiring the CR;
// a bare LF is treated as malformed per the strict-CRLF resolution in
// SPEC_FULL.md §9. The line itself is capped at maxHeaderBytes so a client
// that never sends CR LF can't grow an unbounded buffer one byte at a time.
func readCRLFLine(r *bufio.Reader) (string, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if err != nil {
			if err == bufio.ErrBufferFull {
				if len(buf) > maxHeaderBytes {
					return "", errors.Wrap(ErrInvalidMethod, "header line too large")
				}
				continue
			}
			if err == io.EOF {
				return "", errors.New("unexpected eof reading header line")
			}
			return "", err
		}
		break
	}
	if len(buf) > maxHeaderBytes {
		return "", errors.Wrap(ErrInvalidMethod, "header line too large")
	}
	line := string(buf)
	if !strings.HasSuffix(line, "\r\n") {
		return "", errors.Errorf("malformed line ending (bare LF): %q", line)
	}
	return strings.TrimSuffix(line, "\r\n"), nil
}
