// Package batchcodec encodes and decodes multipart/mixed batch envelopes.
//
// Each part carries one embedded HTTP/1.1 message with Content-Type
// application/http. Request parts are identified by a Content-ID of the form
// <id>; response parts answer with <response-id>.
package batchcodec

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

const responsePrefix = "response-"

// Request is one sub-request of a batch.
type Request struct {
	ContentID string
	Method    string
	Path      string
	Body      []byte
}

// Response is one sub-response of a batch.
type Response struct {
	ContentID string
	Status    int
	Body      []byte
}

// ContentType returns the envelope content type for boundary.
func ContentType(boundary string) string {
	return mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": boundary})
}

// EncodeRequests writes reqs as a multipart/mixed body.
func EncodeRequests(boundary string, reqs []Request) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.SetBoundary(boundary); err != nil {
		return nil, fmt.Errorf("invalid boundary: %w", err)
	}
	for _, r := range reqs {
		pw, err := mw.CreatePart(partHeader("<" + r.ContentID + ">"))
		if err != nil {
			return nil, fmt.Errorf("failed to create part %s: %w", r.ContentID, err)
		}
		fmt.Fprintf(pw, "%s %s HTTP/1.1\r\n", r.Method, r.Path)
		writeBody(pw, r.Body)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close envelope: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeResponses writes resps as a multipart/mixed body.
func EncodeResponses(boundary string, resps []Response) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.SetBoundary(boundary); err != nil {
		return nil, fmt.Errorf("invalid boundary: %w", err)
	}
	for _, r := range resps {
		pw, err := mw.CreatePart(partHeader("<" + responsePrefix + r.ContentID + ">"))
		if err != nil {
			return nil, fmt.Errorf("failed to create part %s: %w", r.ContentID, err)
		}
		fmt.Fprintf(pw, "HTTP/1.1 %d %s\r\n", r.Status, http.StatusText(r.Status))
		writeBody(pw, r.Body)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close envelope: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRequests parses a request envelope.
func DecodeRequests(contentType string, body io.Reader) ([]Request, error) {
	var out []Request
	err := eachPart(contentType, body, func(id string, br *bufio.Reader) error {
		req, err := http.ReadRequest(br)
		if err != nil {
			return fmt.Errorf("failed to parse request part %s: %w", id, err)
		}
		defer req.Body.Close()
		data, err := readAll(req.Body)
		if err != nil {
			return fmt.Errorf("failed to read request part %s: %w", id, err)
		}
		out = append(out, Request{ContentID: id, Method: req.Method, Path: req.RequestURI, Body: data})
		return nil
	})
	return out, err
}

// DecodeResponses parses a response envelope. Parts are returned in
// envelope order; callers match them by ContentID.
func DecodeResponses(contentType string, body io.Reader) ([]Response, error) {
	var out []Response
	err := eachPart(contentType, body, func(id string, br *bufio.Reader) error {
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			return fmt.Errorf("failed to parse response part %s: %w", id, err)
		}
		defer resp.Body.Close()
		data, err := readAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response part %s: %w", id, err)
		}
		out = append(out, Response{ContentID: strings.TrimPrefix(id, responsePrefix), Status: resp.StatusCode, Body: data})
		return nil
	})
	return out, err
}

func eachPart(contentType string, body io.Reader, fn func(id string, br *bufio.Reader) error) error {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("invalid content type %q: %w", contentType, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return fmt.Errorf("unexpected content type %q", mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return fmt.Errorf("content type %q has no boundary", contentType)
	}

	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read part: %w", err)
		}
		id := strings.Trim(part.Header.Get("Content-ID"), "<>")
		err = fn(id, bufio.NewReader(part))
		part.Close()
		if err != nil {
			return err
		}
	}
}

func partHeader(contentID string) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", "application/http")
	h.Set("Content-ID", contentID)
	return h
}

func writeBody(w io.Writer, body []byte) {
	if len(body) > 0 {
		fmt.Fprintf(w, "Content-Type: application/json; charset=UTF-8\r\nContent-Length: %d\r\n", len(body))
	}
	io.WriteString(w, "\r\n")
	w.Write(body)
}

func readAll(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if len(data) == 0 {
		return nil, err
	}
	return data, err
}
