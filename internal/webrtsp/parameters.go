package webrtsp

import (
	"fmt"
	"strings"
)

// Parameter is one "name: value" line of a text/parameters body.
type Parameter struct {
	Name  string
	Value string
}

// ParseParameters splits a text/parameters body into its lines. A line
// without a colon names a parameter with an empty value.
func ParseParameters(body string) ([]Parameter, error) {
	var params []Parameter
	for _, line := range strings.Split(body, lineSeparator) {
		line = strings.TrimRight(line, "\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		name, value, _ := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("%w: parameter line %q", ErrMalformedMessage, line)
		}
		params = append(params, Parameter{Name: name, Value: strings.TrimSpace(value)})
	}
	return params, nil
}

// FormatParameters renders params as a text/parameters body.
func FormatParameters(params []Parameter) string {
	var b strings.Builder
	for _, p := range params {
		b.WriteString(p.Name)
		b.WriteString(": ")
		b.WriteString(p.Value)
		b.WriteString(lineSeparator)
	}
	return b.String()
}

// LookupParameter returns the value of the first parameter named name.
func LookupParameter(params []Parameter, name string) (string, bool) {
	for _, p := range params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}
