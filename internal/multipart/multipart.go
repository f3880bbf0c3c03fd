// Package multipart implements a tolerant splitter for multipart/form-data
// and multipart/mixed bodies as emitted by Hikvision ISAPI devices, which
// frequently deviate from strict RFC 2046 framing.
package multipart

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

// PartType classifies a Part's body for downstream routing.
type PartType string

const (
	PartXML     PartType = "xml"
	PartJSON    PartType = "json"
	PartImage   PartType = "image"
	PartUnknown PartType = "unknown"
)

// Part is a single multipart segment: a lowercased header map and the raw
// body bytes.
type Part struct {
	Headers map[string]string
	Body    []byte
	Type    PartType
}

// ContentType returns the part's Content-Type header, or "" if absent.
func (p *Part) ContentType() string {
	return p.Headers["content-type"]
}

// ContentDisposition returns the part's Content-Disposition header, or ""
// if absent.
func (p *Part) ContentDisposition() string {
	return p.Headers["content-disposition"]
}

// Split parses a raw multipart stream on the given boundary (without the
// leading "--"). Parts with an empty body are discarded as keep-alive
// filler. A missing boundary yields no parts rather than an error, since an
// empty result is itself meaningful to callers (§4.C).
func Split(stream []byte, boundary string) []Part {
	var parts []Part
	if boundary == "" {
		return parts
	}

	delim := []byte("--" + boundary)
	segments := bytes.Split(stream, delim)

	for _, seg := range segments {
		seg = bytes.Trim(seg, "\r\n")
		if len(seg) == 0 || bytes.Equal(seg, []byte("--")) {
			continue
		}
		seg = bytes.TrimSuffix(seg, []byte("--"))
		seg = bytes.Trim(seg, "\r\n")
		if len(seg) == 0 {
			continue
		}

		headers, body := splitHeaderBody(seg)
		if len(body) == 0 {
			continue
		}

		contentType := headers["content-type"]
		parts = append(parts, Part{
			Headers: headers,
			Body:    body,
			Type:    detectType(contentType, body),
		})
	}

	return parts
}

// splitHeaderBody splits a segment on the first occurrence of either
// "\r\n\r\n" or "\n\n" (devices vary) and parses the header block. A
// segment with neither separator is treated as a bodyless blob.
func splitHeaderBody(seg []byte) (map[string]string, []byte) {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(seg, sep)
	sepLen := len(sep)
	if idx < 0 {
		sep = []byte("\n\n")
		idx = bytes.Index(seg, sep)
		sepLen = len(sep)
	}
	if idx < 0 {
		return map[string]string{}, seg
	}

	rawHeaders := seg[:idx]
	body := seg[idx+sepLen:]
	return parseHeaders(rawHeaders), body
}

// parseHeaders parses an HTTP-style header block into a lowercased map.
// Malformed lines are skipped rather than failing the whole part.
func parseHeaders(raw []byte) map[string]string {
	headers := make(map[string]string)
	for _, lineBytes := range bytes.Split(raw, []byte("\n")) {
		line := strings.TrimRight(string(lineBytes), "\r")
		if line == "" {
			continue
		}
		k, v, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return headers
}

// detectType classifies a part per §4.C: explicit content-type first, then
// sniffing the body.
func detectType(contentType string, body []byte) PartType {
	if contentType != "" {
		ct := strings.ToLower(contentType)
		if strings.Contains(ct, "xml") {
			return PartXML
		}
		if strings.Contains(ct, "json") {
			return PartJSON
		}
		if strings.Contains(ct, "jpeg") || strings.Contains(ct, "jpg") || strings.HasPrefix(ct, "image/") {
			return PartImage
		}
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return PartUnknown
	}
	if trimmed[0] == '<' {
		return PartXML
	}
	if utf8.Valid(trimmed) && (trimmed[0] == '{' || trimmed[0] == '[') {
		return PartJSON
	}
	return PartUnknown
}
