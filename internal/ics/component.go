package ics

import "strings"

// Property is one tokenized content line. TEXT values are already unescaped.
type Property struct {
	Name   string              `json:"name"`
	Params map[string][]string `json:"params,omitempty"`
	Value  string              `json:"value"`
}

// Param returns the first value of the named parameter.
func (p Property) Param(name string) string {
	if vs := p.Params[strings.ToUpper(name)]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// RawComponent is a node of the parsed document tree. Names are lower-case;
// property keys are upper-case and keep document order per key.
type RawComponent struct {
	Name       string                `json:"name"`
	Properties map[string][]Property `json:"properties,omitempty"`
	Children   []*RawComponent       `json:"children,omitempty"`
}

func newComponent(name string) *RawComponent {
	return &RawComponent{
		Name:       strings.ToLower(name),
		Properties: make(map[string][]Property),
	}
}

func (c *RawComponent) add(p Property) {
	if c.Properties == nil {
		c.Properties = make(map[string][]Property)
	}
	c.Properties[p.Name] = append(c.Properties[p.Name], p)
}

// Prop returns the first property with the given name.
func (c *RawComponent) Prop(name string) (Property, bool) {
	ps := c.Properties[strings.ToUpper(name)]
	if len(ps) == 0 {
		return Property{}, false
	}
	return ps[0], true
}

// Props returns every property with the given name in document order.
func (c *RawComponent) Props(name string) []Property {
	return c.Properties[strings.ToUpper(name)]
}

// Value returns the trimmed value of the first property with the given name.
func (c *RawComponent) Value(name string) string {
	p, ok := c.Prop(name)
	if !ok {
		return ""
	}
	return strings.TrimSpace(p.Value)
}

// ChildrenNamed returns the direct children with the given component name.
func (c *RawComponent) ChildrenNamed(name string) []*RawComponent {
	name = strings.ToLower(name)
	var out []*RawComponent
	for _, ch := range c.Children {
		if ch.Name == name {
			out = append(out, ch)
		}
	}
	return out
}
