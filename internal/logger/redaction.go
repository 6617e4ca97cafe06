package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// rule replaces every match of pattern; a nil mask writes the redacted marker.
type rule struct {
	pattern *regexp.Regexp
	mask    func(match string) string
}

// Redactor masks credentials and customer identifiers in log output
type Redactor struct {
	rules []rule
}

// NewRedactor creates a redactor with the default credential and banking patterns
func NewRedactor() *Redactor {
	r := &Redactor{}

	// Credentials
	r.add(`sk-ant-[a-zA-Z0-9_-]{20,}`, nil)
	r.add(`sk-[a-zA-Z0-9_-]{20,}`, nil)
	r.add(`Bearer\s+[a-zA-Z0-9._-]+`, nil)
	r.add(`(?i)(password|secret|api_key|apikey)(["\s:=]+)[^\s",}]+`, keepKey)
	r.add(`(?i)(token|resume_token)(["\s:=]+)[a-zA-Z0-9._-]{20,}`, keepKey)

	// Keyed banking identifiers, e.g. "account_number":"12345678"
	r.add(`(?i)(account_number|accountNumber|sort_code|sortCode|partial_account|partial_sort_code)(["\s:=]+)[0-9 -]{2,}`, keepKey)

	// Free-text identifiers keep their last two digits
	r.add(`\b\d{2}-\d{2}-\d{2}\b`, tail(2))
	r.add(`\b\d{8}\b`, tail(2))

	return r
}

func (r *Redactor) add(pattern string, mask func(string) string) {
	r.rules = append(r.rules, rule{pattern: regexp.MustCompile(pattern), mask: mask})
}

// keepKey masks the value of a key=value or "key":"value" match
func keepKey(match string) string {
	return keyed.ReplaceAllString(match, "${1}${2}"+redacted)
}

var keyed = regexp.MustCompile(`^([A-Za-z_]+)(["\s:=]+).*$`)

func tail(n int) func(string) string {
	return func(match string) string {
		if len(match) <= n {
			return redacted
		}
		return "****" + match[len(match)-n:]
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{pattern: re})
	return nil
}

// Redact masks sensitive information in s
func (r *Redactor) Redact(s string) string {
	result := s
	for _, rl := range r.rules {
		if rl.mask == nil {
			result = rl.pattern.ReplaceAllString(result, redacted)
			continue
		}
		result = rl.pattern.ReplaceAllStringFunc(result, rl.mask)
	}
	return result
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

// redactingWriter is an io.Writer that redacts sensitive information
type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers never see a short write for masked output.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
