package ics

// SplitByUID breaks a feed document into one document per VEVENT UID, in
// order of first appearance. Every part keeps the calendar's own properties
// and all VTIMEZONEs, so each can be classified on its own.
func SplitByUID(root *RawComponent) []*RawComponent {
	if root == nil {
		return nil
	}

	var (
		timezones []*RawComponent
		order     []string
		byUID     = make(map[string][]*RawComponent)
	)
	for _, c := range root.Children {
		switch c.Name {
		case "vtimezone":
			timezones = append(timezones, c)
		case "vevent":
			uid := c.Value("UID")
			if _, seen := byUID[uid]; !seen {
				order = append(order, uid)
			}
			byUID[uid] = append(byUID[uid], c)
		}
	}

	out := make([]*RawComponent, 0, len(order))
	for _, uid := range order {
		doc := &RawComponent{
			Name:       root.Name,
			Properties: root.Properties,
			Children:   make([]*RawComponent, 0, len(timezones)+len(byUID[uid])),
		}
		doc.Children = append(doc.Children, timezones...)
		doc.Children = append(doc.Children, byUID[uid]...)
		out = append(out, doc)
	}
	return out
}
