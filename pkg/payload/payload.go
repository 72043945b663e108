// Package payload pulls single values out of response bodies.
package payload

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"

	"github.com/samvad-hq/samvad-dispatch/internal/domain"
)

const (
	maxHTMLBodyBytes = 1 << 20 // 1 MiB

	prefixJSON = "json:"
	prefixHTML = "html:"
)

var (
	// ErrNoMatch means the expression was valid but selected nothing.
	ErrNoMatch = errors.New("expression matched nothing")
	// ErrInvalidExpression means the expression has no known prefix or is empty.
	ErrInvalidExpression = errors.New("invalid extract expression")
)

// Validate reports whether expr is a well-formed extract expression.
// An empty expression is valid and extracts nothing.
func Validate(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}
	_, _, err := split(expr)
	return err
}

// Extract evaluates expr against the response body.
//
//	json:<gjson path>          e.g. json:data.items.0.id
//	html:<css selector>        text of the first match
//	html:<css selector>@<attr> attribute of the first match
func Extract(resp *domain.Response, expr string) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("extract from nil response")
	}
	kind, query, err := split(strings.TrimSpace(expr))
	if err != nil {
		return "", err
	}
	switch kind {
	case prefixJSON:
		return extractJSON(resp.Body, query)
	default:
		return extractHTML(resp.Body, query)
	}
}

func split(expr string) (string, string, error) {
	for _, prefix := range []string{prefixJSON, prefixHTML} {
		if strings.HasPrefix(expr, prefix) {
			query := strings.TrimSpace(strings.TrimPrefix(expr, prefix))
			if query == "" {
				return "", "", fmt.Errorf("%w: %q has an empty query", ErrInvalidExpression, expr)
			}
			return prefix, query, nil
		}
	}
	return "", "", fmt.Errorf("%w: %q (want json:<path> or html:<selector>)", ErrInvalidExpression, expr)
}

func extractJSON(body []byte, query string) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("body is not valid json")
	}
	res := gjson.GetBytes(body, query)
	if !res.Exists() {
		return "", fmt.Errorf("%w: json path %q", ErrNoMatch, query)
	}
	if res.IsObject() || res.IsArray() {
		return res.Raw, nil
	}
	return res.String(), nil
}

func extractHTML(body []byte, query string) (string, error) {
	if len(body) > maxHTMLBodyBytes {
		body = body[:maxHTMLBodyBytes]
	}

	selector, attr := query, ""
	if i := strings.LastIndex(query, "@"); i > 0 {
		selector, attr = strings.TrimSpace(query[:i]), strings.TrimSpace(query[i+1:])
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	node := doc.Find(selector).First()
	if node.Length() == 0 {
		return "", fmt.Errorf("%w: selector %q", ErrNoMatch, selector)
	}
	if attr == "" {
		return strings.TrimSpace(node.Text()), nil
	}
	val, ok := node.Attr(attr)
	if !ok {
		return "", fmt.Errorf("%w: attribute %q on %q", ErrNoMatch, attr, selector)
	}
	return strings.TrimSpace(val), nil
}
