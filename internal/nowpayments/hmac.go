// Package nowpayments talks to the NOWPayments API and understands its IPN
// notifications: signature checks, the payment status vocabulary, amount
// conversion and the provider error shape.
package nowpayments

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// SignatureHeader carries the IPN signature on inbound notifications.
const SignatureHeader = "x-nowpayments-sig"

// Canonicalize re-encodes a JSON document with object keys sorted at every
// level. Array order and number literals are preserved. Invalid UTF-8 and
// duplicate object keys are rejected since the decoded form would drop bytes.
func Canonicalize(payload []byte) ([]byte, error) {
	if !utf8.Valid(payload) {
		return nil, errors.New("nowpayments: payload is not valid utf-8")
	}
	if err := rejectDuplicateKeys(payload); err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("nowpayments: trailing data after json document")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/json writes map keys in sorted order.
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

type jsonFrame struct {
	object  bool
	wantKey bool
	keys    map[string]struct{}
}

func rejectDuplicateKeys(payload []byte) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var stack []*jsonFrame
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		var top *jsonFrame
		if len(stack) > 0 {
			top = stack[len(stack)-1]
		}
		if delim, ok := tok.(json.Delim); ok && (delim == '}' || delim == ']') {
			stack = stack[:len(stack)-1]
			continue
		}
		if top != nil && top.object && top.wantKey {
			key, _ := tok.(string)
			if _, seen := top.keys[key]; seen {
				return fmt.Errorf("nowpayments: duplicate key %q", key)
			}
			top.keys[key] = struct{}{}
			top.wantKey = false
			continue
		}
		if top != nil && top.object {
			top.wantKey = true
		}
		if delim, ok := tok.(json.Delim); ok {
			stack = append(stack, &jsonFrame{object: delim == '{', wantKey: true, keys: map[string]struct{}{}})
		}
	}
}

// Sign returns the lowercase hex HMAC-SHA512 of the canonical payload.
func Sign(payload []byte, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("nowpayments: signing secret is empty")
	}
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha512.New, []byte(secret))
	_, _ = mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Valid reports whether signature matches payload under secret. It never
// panics and returns false for malformed payloads, malformed signatures or an
// empty secret.
func Valid(signature string, payload []byte, secret string) bool {
	claimed, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(claimed) == 0 {
		return false
	}
	expectedHex, err := Sign(payload, secret)
	if err != nil {
		return false
	}
	expected, _ := hex.DecodeString(expectedHex)
	return hmac.Equal(expected, claimed)
}
