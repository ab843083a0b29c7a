// Package transport implements detection and parsing of the three receipt
// delivery profiles: an inline header, a pointer header, or a JSON request
// body. Exactly one profile's data is returned; the others are never
// consulted once a higher-precedence one is present.
package transport

import (
	"strings"

	"github.com/peac-sandbox/gateway/internal/problem"
	"github.com/peac-sandbox/gateway/internal/sfv"
)

// Kind discriminates which profile, if any, carried a receipt.
type Kind int

const (
	KindNone Kind = iota
	KindHeader
	KindPointer
	KindBody
)

const (
	headerName        = "Peac-Receipt"
	pointerHeaderName = "Peac-Receipt-Pointer"
)

// Pointer is the parsed pointer-header tuple.
type Pointer struct {
	DigestHex  string
	URL        string
	Extensions map[string]string
}

// Result is the discriminated outcome of Detect.
type Result struct {
	Kind     Kind
	JWS      string
	Pointer  Pointer
	Receipts []string
}

// Detect inspects headers (keyed canonically, as net/http.Header provides)
// and an already-decoded JSON body (nil if the request carried none or
// wasn't JSON), and returns the highest-precedence receipt-bearing profile
// present: inline header, then pointer header, then body.
func Detect(headerValues func(name string) []string, body map[string]any) (Result, error) {
	if vals := headerValues(headerName); len(vals) > 0 {
		if len(vals) > 1 {
			return Result{}, problem.New(problem.CodeVerifyInvalidTransport, "PEAC-Receipt header present more than once")
		}
		jws := vals[0]
		if strings.Contains(jws, ",") {
			return Result{}, problem.New(problem.CodeVerifyInvalidTransport, "PEAC-Receipt must not be a comma-joined list")
		}
		if !looksLikeJWSCompact(jws) {
			return Result{}, problem.New(problem.CodeVerifyMalformedReceipt, "PEAC-Receipt is not a JWS compact string")
		}
		return Result{Kind: KindHeader, JWS: jws}, nil
	}

	if vals := headerValues(pointerHeaderName); len(vals) > 0 {
		if len(vals) > 1 {
			return Result{}, problem.New(problem.CodeVerifyInvalidTransport, "PEAC-Receipt-Pointer header present more than once")
		}
		ptr, err := parsePointer(vals[0])
		if err != nil {
			return Result{}, problem.Newf(problem.CodeVerifyInvalidTransport, "invalid pointer header: %v", err)
		}
		if !strings.HasPrefix(ptr.URL, "https://") {
			return Result{}, problem.New(problem.CodeVerifyPointerFetchBlocked, "pointer url is not https")
		}
		return Result{Kind: KindPointer, Pointer: ptr}, nil
	}

	if body != nil {
		if raw, ok := body["peac_receipts"]; ok {
			arr, ok := raw.([]any)
			if !ok || len(arr) == 0 {
				return Result{}, problem.New(problem.CodeVerifyInvalidTransport, "peac_receipts must be a non-empty array")
			}
			out := make([]string, 0, len(arr))
			for _, el := range arr {
				s, ok := el.(string)
				if !ok || !looksLikeJWSCompact(s) {
					return Result{}, problem.New(problem.CodeVerifyMalformedReceipt, "peac_receipts contains a non-JWS element")
				}
				out = append(out, s)
			}
			return Result{Kind: KindBody, Receipts: out}, nil
		}
		if raw, ok := body["peac_receipt"]; ok {
			s, ok := raw.(string)
			if !ok || !looksLikeJWSCompact(s) {
				return Result{}, problem.New(problem.CodeVerifyMalformedReceipt, "peac_receipt is not a JWS compact string")
			}
			return Result{Kind: KindBody, Receipts: []string{s}}, nil
		}
	}

	return Result{Kind: KindNone}, nil
}

func parsePointer(header string) (Pointer, error) {
	dict, err := sfv.ParseDictionary(header)
	if err != nil {
		return Pointer{}, err
	}

	var ptr Pointer
	ptr.Extensions = make(map[string]string)
	haveSha, haveURL := false, false

	for _, m := range dict {
		switch {
		case m.Key == "sha256":
			s, ok := m.Value.AsString()
			if !ok || !isLowerHex64(s) {
				return Pointer{}, &sfvShapeError{"sha256 must be a 64-character lowercase hex string"}
			}
			ptr.DigestHex = s
			haveSha = true
		case m.Key == "url":
			s, ok := m.Value.AsString()
			if !ok {
				return Pointer{}, &sfvShapeError{"url must be a string"}
			}
			ptr.URL = s
			haveURL = true
		case strings.HasPrefix(m.Key, "ext_"):
			s, _ := m.Value.AsString()
			ptr.Extensions[m.Key] = s
		default:
			return Pointer{}, &sfvShapeError{"unknown pointer parameter " + m.Key}
		}
	}
	if !haveSha || !haveURL {
		return Pointer{}, &sfvShapeError{"pointer header missing sha256 or url"}
	}
	return ptr, nil
}

type sfvShapeError struct{ msg string }

func (e *sfvShapeError) Error() string { return e.msg }

func isLowerHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// looksLikeJWSCompact reports whether s has the three-segment, non-empty,
// base64url-alphabet shape of a JWS compact serialization. It does not
// decode or verify anything.
func looksLikeJWSCompact(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for _, c := range p {
			if !isBase64URLChar(byte(c)) {
				return false
			}
		}
	}
	return true
}

func isBase64URLChar(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_':
		return true
	}
	return false
}
