package ics

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	ical "github.com/arran4/golang-ical"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Parse turns a raw ICS payload into its component tree. The root is always
// the vcalendar component.
//
//   - The payload is decoded to UTF-8 first (UTF-8 BOM is dropped, UTF-16
//     with BOM is converted).
//   - Folded lines are joined and each content line is tokenized into
//     name, parameters and value.
//   - BEGIN/END must nest exactly and the document must end with the
//     END:VCALENDAR that closes the root.
func Parse(body []byte) (*RawComponent, error) {
	text, err := decode(body)
	if err != nil {
		return nil, malformed(0, "cannot decode payload", err)
	}
	if len(bytes.TrimSpace(text)) == 0 {
		return nil, malformed(0, "empty payload", nil)
	}

	var (
		root   *RawComponent
		stack  []*RawComponent
		closed bool
		n      int
	)

	stream := ical.NewCalendarStream(bytes.NewReader(text))
	for {
		line, rerr := stream.ReadLine()
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return nil, malformed(n, "read failed", rerr)
		}

		if line != nil && strings.TrimSpace(string(*line)) != "" {
			n++
			prop, perr := ical.ParseProperty(*line)
			if perr != nil || prop == nil {
				return nil, malformed(n, fmt.Sprintf("cannot tokenize %q", clip(string(*line))), perr)
			}
			if closed {
				return nil, malformed(n, "content after END:VCALENDAR", nil)
			}

			name := strings.ToUpper(prop.IANAToken)
			value := strings.TrimSpace(prop.Value)

			switch {
			case root == nil:
				if name != "BEGIN" || !strings.EqualFold(value, "VCALENDAR") {
					return nil, malformed(n, "document does not start with BEGIN:VCALENDAR", nil)
				}
				root = newComponent(value)
				stack = append(stack, root)

			case name == "BEGIN":
				if value == "" {
					return nil, malformed(n, "BEGIN without component name", nil)
				}
				child := newComponent(value)
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, child)
				stack = append(stack, child)

			case name == "END":
				top := stack[len(stack)-1]
				if !strings.EqualFold(value, top.Name) {
					return nil, malformed(n, fmt.Sprintf("END:%s does not close %s", value, strings.ToUpper(top.Name)), nil)
				}
				stack = stack[:len(stack)-1]
				closed = len(stack) == 0

			default:
				stack[len(stack)-1].add(Property{
					Name:   name,
					Params: upperKeys(prop.ICalParameters),
					Value:  prop.Value,
				})
			}
		}

		if rerr != nil {
			break
		}
	}

	if root == nil {
		return nil, malformed(n, "no BEGIN:VCALENDAR", nil)
	}
	if len(stack) > 0 {
		return nil, malformed(n, fmt.Sprintf("unexpected end of document inside %s", strings.ToUpper(stack[len(stack)-1].Name)), nil)
	}
	return root, nil
}

// decode converts body to UTF-8 honoring a UTF-8/UTF-16 byte order mark.
// Payloads without a BOM are treated as UTF-8.
func decode(body []byte) ([]byte, error) {
	out, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), body)
	return out, err
}

func upperKeys(params map[string][]string) map[string][]string {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string][]string, len(params))
	for k, v := range params {
		k = strings.ToUpper(k)
		out[k] = append(out[k], v...)
	}
	return out
}

func clip(s string) string {
	const max = 60
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
