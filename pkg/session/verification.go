package session

import (
	"strings"

	"github.com/tidwall/gjson"
)

// AuthStatusVerified is the backend status that marks a successful check.
const AuthStatusVerified = "VERIFIED"

const maxPayloadDepth = 5

// paths that commonly wrap a tool payload, either as objects or as JSON encoded strings
var nestedPayloadPaths = []string{
	"body",
	"result",
	"output",
	"data",
	"content",
	"text",
	"response.responseBody.TEXT.body",
}

// VerificationOutcome is the parsed result of an identity-verification call.
type VerificationOutcome struct {
	Found    bool
	Verified bool
	Status   string
	UserName string
	Account  string
	SortCode string
	Reason   string
}

// Patch returns the memory fields a successful verification establishes.
func (o VerificationOutcome) Patch() MemoryPatch {
	if !o.Verified {
		return MemoryPatch{}
	}
	patch := MemoryPatch{Verified: Bool(true)}
	if o.UserName != "" {
		patch.UserName = String(o.UserName)
	}
	if o.Account != "" {
		patch.Account = String(o.Account)
	}
	if o.SortCode != "" {
		patch.SortCode = String(o.SortCode)
	}
	return patch
}

// ParseVerification looks for an auth_status field in payload, descending into
// wrapper objects and JSON-in-string bodies.
func ParseVerification(payload []byte) VerificationOutcome {
	result, ok := findAuthStatus(string(payload), 0)
	if !ok {
		return VerificationOutcome{}
	}

	status := strings.ToUpper(strings.TrimSpace(result.Get("auth_status").String()))
	outcome := VerificationOutcome{
		Found:    true,
		Status:   status,
		Verified: status == AuthStatusVerified,
		UserName: firstString(result, "customer_name", "userName", "user_name", "name"),
		Account:  firstString(result, "account_number", "account", "accountId"),
		SortCode: firstString(result, "sort_code", "sortCode"),
		Reason:   firstString(result, "reason", "message", "error"),
	}
	return outcome
}

func findAuthStatus(raw string, depth int) (gjson.Result, bool) {
	if depth > maxPayloadDepth || !gjson.Valid(raw) {
		return gjson.Result{}, false
	}

	root := gjson.Parse(raw)
	if root.Type == gjson.String {
		return findAuthStatus(root.Str, depth+1)
	}
	if root.IsArray() {
		for _, item := range root.Array() {
			if found, ok := descend(item, depth); ok {
				return found, true
			}
		}
		return gjson.Result{}, false
	}
	if root.IsObject() && root.Get("auth_status").Exists() {
		return root, true
	}

	for _, path := range nestedPayloadPaths {
		value := root.Get(path)
		if !value.Exists() {
			continue
		}
		if value.IsArray() {
			for _, item := range value.Array() {
				if found, ok := descend(item, depth); ok {
					return found, true
				}
			}
			continue
		}
		if found, ok := descend(value, depth); ok {
			return found, true
		}
	}

	return gjson.Result{}, false
}

func descend(value gjson.Result, depth int) (gjson.Result, bool) {
	switch {
	case value.Type == gjson.String:
		return findAuthStatus(value.Str, depth+1)
	case value.IsObject(), value.IsArray():
		return findAuthStatus(value.Raw, depth+1)
	}
	return gjson.Result{}, false
}

func firstString(result gjson.Result, keys ...string) string {
	for _, key := range keys {
		if v := result.Get(key); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
