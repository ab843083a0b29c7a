// Package problem implements the gateway's canonical error taxonomy and its
// rendering as RFC 9457 Problem Details responses.
package problem

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Code is a canonical, closed error code. The zero value is never valid.
type Code string

const (
	CodeReceiptMissing   Code = "E_RECEIPT_MISSING"
	CodeReceiptInvalid   Code = "E_RECEIPT_INVALID"
	CodeReceiptExpired   Code = "E_RECEIPT_EXPIRED"
	CodeInvalidIssuer    Code = "E_INVALID_ISSUER"
	CodeInvalidAudience  Code = "E_INVALID_AUDIENCE"
	CodeInvalidSubject   Code = "E_INVALID_SUBJECT"
	CodeInvalidReceiptID Code = "E_INVALID_RECEIPT_ID"
	CodeNotYetValid      Code = "E_NOT_YET_VALID"
	CodeMissingExp       Code = "E_MISSING_EXP"
	CodeExpired          Code = "E_EXPIRED"

	CodeTapSignatureMissing     Code = "E_TAP_SIGNATURE_MISSING"
	CodeTapSignatureInvalid     Code = "E_TAP_SIGNATURE_INVALID"
	CodeTapTimeInvalid          Code = "E_TAP_TIME_INVALID"
	CodeTapKeyNotFound          Code = "E_TAP_KEY_NOT_FOUND"
	CodeTapReplayRequired       Code = "E_TAP_REPLAY_PROTECTION_REQUIRED"
	CodeTapWindowTooLarge       Code = "E_TAP_WINDOW_TOO_LARGE"
	CodeTapTagUnknown           Code = "E_TAP_TAG_UNKNOWN"
	CodeTapAlgorithmInvalid     Code = "E_TAP_ALGORITHM_INVALID"
	CodeTapNonceReplay          Code = "E_TAP_NONCE_REPLAY"
	CodeIssuerNotAllowed        Code = "E_ISSUER_NOT_ALLOWED"
	CodeConfigAllowlistRequired Code = "E_CONFIG_ISSUER_ALLOWLIST_REQUIRED"
	CodeInternalError           Code = "E_INTERNAL_ERROR"
	CodeRateLimited             Code = "E_RATE_LIMITED"

	CodeVerifyPointerFetchBlocked Code = "E_VERIFY_POINTER_FETCH_BLOCKED"
	CodeVerifyPointerTimeout      Code = "E_VERIFY_POINTER_TIMEOUT"
	CodeVerifyPointerTooLarge     Code = "E_VERIFY_POINTER_TOO_LARGE"
	CodeVerifyPointerDigestMismatch Code = "E_VERIFY_POINTER_DIGEST_MISMATCH"
	CodeVerifyPointerFailed       Code = "E_VERIFY_POINTER_FAILED"
	CodeVerifyMalformedReceipt    Code = "E_VERIFY_MALFORMED_RECEIPT"
	CodeVerifyInvalidTransport    Code = "E_VERIFY_INVALID_TRANSPORT"
)

// titles gives the canonical human-readable title for each code.
var titles = map[Code]string{
	CodeReceiptMissing:   "Receipt Missing",
	CodeReceiptInvalid:   "Receipt Invalid",
	CodeReceiptExpired:   "Receipt Expired",
	CodeInvalidIssuer:    "Invalid Issuer",
	CodeInvalidAudience:  "Invalid Audience",
	CodeInvalidSubject:   "Invalid Subject",
	CodeInvalidReceiptID: "Invalid Receipt Id",
	CodeNotYetValid:      "Not Yet Valid",
	CodeMissingExp:       "Missing Expiry",
	CodeExpired:          "Expired",

	CodeTapSignatureMissing:     "Signed Request Missing",
	CodeTapSignatureInvalid:     "Signed Request Invalid",
	CodeTapTimeInvalid:          "Signed Request Time Invalid",
	CodeTapKeyNotFound:          "Key Not Found",
	CodeTapReplayRequired:       "Replay Protection Required",
	CodeTapWindowTooLarge:       "Signature Window Too Large",
	CodeTapTagUnknown:           "Unknown Signature Tag",
	CodeTapAlgorithmInvalid:     "Algorithm Invalid",
	CodeTapNonceReplay:          "Nonce Replay Detected",
	CodeIssuerNotAllowed:        "Issuer Not Allowed",
	CodeConfigAllowlistRequired: "Issuer Allowlist Required",
	CodeInternalError:           "Internal Error",
	CodeRateLimited:             "Too Many Requests",

	CodeVerifyPointerFetchBlocked:   "Pointer Fetch Blocked",
	CodeVerifyPointerTimeout:        "Pointer Fetch Timed Out",
	CodeVerifyPointerTooLarge:       "Pointer Response Too Large",
	CodeVerifyPointerDigestMismatch: "Pointer Digest Mismatch",
	CodeVerifyPointerFailed:         "Pointer Fetch Failed",
	CodeVerifyMalformedReceipt:      "Malformed Receipt",
	CodeVerifyInvalidTransport:      "Invalid Transport",
}

// statuses gives the canonical HTTP status for each code.
var statuses = map[Code]int{
	CodeReceiptMissing:   http.StatusPaymentRequired,
	CodeReceiptInvalid:   http.StatusPaymentRequired,
	CodeReceiptExpired:   http.StatusPaymentRequired,
	CodeInvalidIssuer:    http.StatusPaymentRequired,
	CodeInvalidAudience:  http.StatusPaymentRequired,
	CodeInvalidSubject:   http.StatusPaymentRequired,
	CodeInvalidReceiptID: http.StatusPaymentRequired,
	CodeNotYetValid:      http.StatusPaymentRequired,
	CodeMissingExp:       http.StatusPaymentRequired,
	CodeExpired:          http.StatusPaymentRequired,

	CodeTapSignatureMissing:     http.StatusUnauthorized,
	CodeTapSignatureInvalid:     http.StatusUnauthorized,
	CodeTapTimeInvalid:          http.StatusUnauthorized,
	CodeTapKeyNotFound:          http.StatusUnauthorized,
	CodeTapReplayRequired:       http.StatusUnauthorized,
	CodeTapWindowTooLarge:       http.StatusBadRequest,
	CodeTapTagUnknown:           http.StatusBadRequest,
	CodeTapAlgorithmInvalid:     http.StatusBadRequest,
	CodeTapNonceReplay:          http.StatusConflict,
	CodeIssuerNotAllowed:        http.StatusForbidden,
	CodeConfigAllowlistRequired: http.StatusInternalServerError,
	CodeInternalError:           http.StatusInternalServerError,
	CodeRateLimited:             http.StatusTooManyRequests,

	CodeVerifyPointerFetchBlocked:   http.StatusBadGateway,
	CodeVerifyPointerTimeout:        http.StatusGatewayTimeout,
	CodeVerifyPointerTooLarge:       http.StatusRequestEntityTooLarge,
	CodeVerifyPointerDigestMismatch: http.StatusUnprocessableEntity,
	CodeVerifyPointerFailed:         http.StatusBadGateway,
	CodeVerifyMalformedReceipt:      http.StatusBadRequest,
	CodeVerifyInvalidTransport:      http.StatusBadRequest,
}

const typeBase = "https://peacprotocol.org/problems/"

// TypeURI builds the canonical "type" URI for a code. This is the single
// function that may construct a problem type URI — never string-concatenate
// one ad hoc elsewhere.
func TypeURI(code Code) string {
	return typeBase + string(code)
}

// Status returns the canonical HTTP status for code, or 500 if code is
// unrecognized (fail-closed: an unmapped code is treated as internal error).
func Status(code Code) int {
	if s, ok := statuses[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Title returns the canonical title for code.
func Title(code Code) string {
	if t, ok := titles[code]; ok {
		return t
	}
	return "Internal Error"
}

// Error is the canonical tagged error type for the verification pipeline.
// Every code the engine returns to a caller is carried as an Error; there is
// no other path from internal failure to HTTP response.
type Error struct {
	Code     Code
	Detail   string
	Instance string
}

// New constructs an Error for code with a human-readable detail.
func New(code Code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

// Newf is New with formatted detail.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Status returns the canonical HTTP status for e.
func (e *Error) Status() int { return Status(e.Code) }

// Document is the wire shape of an RFC 9457 Problem Details body.
type Document struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Code     Code   `json:"code"`
}

// DocumentFor builds the Problem Details document for e.
func (e *Error) DocumentFor() Document {
	return Document{
		Type:     TypeURI(e.Code),
		Title:    Title(e.Code),
		Status:   Status(e.Code),
		Detail:   e.Detail,
		Instance: e.Instance,
		Code:     e.Code,
	}
}

// WriteTo renders e as application/problem+json to w, setting WWW-Authenticate
// for 401/402 responses and the status line, and returns the status written.
func (e *Error) WriteTo(w http.ResponseWriter) int {
	status := e.Status()
	doc := e.DocumentFor()

	if status == http.StatusUnauthorized || status == http.StatusPaymentRequired {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(
			`PEAC realm="peac", error=%q, error_uri=%q`, e.Code, doc.Type))
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(doc)
	return status
}
