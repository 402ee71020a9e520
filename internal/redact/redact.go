package redact

import (
	"fmt"
	"regexp"
	"strings"
)

// Mask replaces values of sensitive fields and custom pattern matches.
const Mask = "[REDACTED]"

type rule struct {
	name string
	re   *regexp.Regexp
	repl string
}

// Placeholders never contain digits or '@' so a second pass finds nothing new.
var builtinRules = []rule{
	{
		name: "secret_pair",
		re:   regexp.MustCompile(`(?i)\b(api[_-]?key|secret|client[_-]?secret|password|passwd|pwd|access[_-]?token|refresh[_-]?token|auth[_-]?token|token|private[_-]?key)(\s*[:=]\s*)("?)([^\s"',;&]+)`),
		repl: "${1}${2}${3}" + Mask,
	},
	{
		name: "bearer",
		re:   regexp.MustCompile(`(?i)\b(bearer)\s+[A-Za-z0-9\-._~+/]+=*`),
		repl: "${1} [REDACTED_TOKEN]",
	},
	{
		name: "email",
		re:   regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
		repl: "[REDACTED_EMAIL]",
	},
	{
		name: "ssn",
		re:   regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		repl: "[REDACTED_SSN]",
	},
	{
		name: "card",
		re:   regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`),
		repl: "[REDACTED_CARD]",
	},
	{
		name: "phone",
		re:   regexp.MustCompile(`(?:\+\d{1,3}[\s.\-]?)?\(?\b\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`),
		repl: "[REDACTED_PHONE]",
	},
}

var builtinFields = []string{
	"password", "passwd", "pwd", "secret", "clientsecret",
	"token", "accesstoken", "refreshtoken", "idtoken", "authtoken", "sessiontoken",
	"apikey", "xapikey", "authorization", "cookie", "setcookie",
	"privatekey", "ssn", "creditcard", "cardnumber", "cvv", "cvc",
}

// Redactor masks sensitive data in arbitrary decoded JSON values.
// It is immutable after construction and safe for concurrent use.
type Redactor struct {
	rules  []rule
	fields map[string]struct{}
}

// New builds a Redactor from the built-in rules plus extra field names and
// regular expressions. An invalid pattern is an error.
func New(extraFields, extraPatterns []string) (*Redactor, error) {
	r := &Redactor{
		rules:  append([]rule(nil), builtinRules...),
		fields: make(map[string]struct{}, len(builtinFields)+len(extraFields)),
	}
	for _, f := range builtinFields {
		r.fields[f] = struct{}{}
	}
	for _, f := range extraFields {
		if n := normalizeField(f); n != "" {
			r.fields[n] = struct{}{}
		}
	}
	for i, p := range extraPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redaction pattern %d (%q): %w", i, p, err)
		}
		r.rules = append(r.rules, rule{name: fmt.Sprintf("custom_%d", i), re: re, repl: Mask})
	}
	return r, nil
}

// Default returns a Redactor with only the built-in rules.
func Default() *Redactor {
	r, _ := New(nil, nil)
	return r
}

// String masks every sensitive substring of s.
func (r *Redactor) String(s string) string {
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.repl)
	}
	return s
}

// Value returns a redacted copy of v. Maps and slices are copied, never
// modified in place; scalars other than strings pass through.
func (r *Redactor) Value(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return r.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = r.field(k, val)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, val := range t {
			if r.SensitiveField(k) {
				out[k] = Mask
				continue
			}
			out[k] = r.String(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = r.Value(val)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, val := range t {
			out[i] = r.String(val)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, val := range t {
			out[i], _ = r.Value(val).(map[string]any)
		}
		return out
	default:
		return v
	}
}

// Map is Value specialised for JSON objects.
func (r *Redactor) Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := r.Value(m).(map[string]any)
	return out
}

// SensitiveField reports whether a field with this name is masked outright.
func (r *Redactor) SensitiveField(name string) bool {
	_, ok := r.fields[normalizeField(name)]
	return ok
}

func (r *Redactor) field(name string, v any) any {
	if v == nil {
		return nil
	}
	if r.SensitiveField(name) {
		return Mask
	}
	return r.Value(v)
}

func normalizeField(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("_", "", "-", "", " ", "", ".", "").Replace(name)
}
