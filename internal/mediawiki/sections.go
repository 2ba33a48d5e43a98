package mediawiki

// Types below decode the mobile-sections REST response (§3 "Section DOM", §6 "Wiki HTTP API"):
// {lead: {sections: [...]}, remaining: {sections: [...]}}. They are transient per-article: never
// persisted, only ever held in memory during the HTML rewriter pass (component E).

// Section is one section of an article, from either the lead or the remaining sections array.
// Text holds the section's HTML body, rewritten in place by the HTML rewriter.
type Section struct {
	ID       int    `json:"id"`
	Toclevel int    `json:"toclevel,omitempty"`
	Line     string `json:"line,omitempty"`
	Anchor   string `json:"anchor,omitempty"`
	Text     string `json:"text"`
}

// LeadImage is the lead section's representative image, whose URLs are rewritten the same way
// as inline <img> elements (§4.E item 4), keyed by requested pixel width.
type LeadImage struct {
	File string            `json:"file,omitempty"`
	URLs map[string]string `json:"urls,omitempty"`
}

// Pronunciation is the lead section's audio pronunciation clip, if any.
type Pronunciation struct {
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// Lead is the mobile-sections endpoint's "lead" object.
type Lead struct {
	ID            int64          `json:"id"`
	Revision      string         `json:"revision,omitempty"`
	DisplayTitle  string         `json:"displaytitle,omitempty"`
	Image         *LeadImage     `json:"image,omitempty"`
	Pronunciation *Pronunciation `json:"pronunciation,omitempty"`
	Sections      []Section      `json:"sections"`
}

// Remaining is the mobile-sections endpoint's "remaining" object.
type Remaining struct {
	Sections []Section `json:"sections"`
}

// MobileSections is the full decoded response body for one title. A response with no
// Lead.Sections is the "Article API returns no lead" case of §7: the caller drops the title.
type MobileSections struct {
	Lead      Lead      `json:"lead"`
	Remaining Remaining `json:"remaining"`
}

// AllSections returns every section, lead then remaining, in document order.
func (m *MobileSections) AllSections() []*Section {
	out := make([]*Section, 0, len(m.Lead.Sections)+len(m.Remaining.Sections))
	for i := range m.Lead.Sections {
		out = append(out, &m.Lead.Sections[i])
	}
	for i := range m.Remaining.Sections {
		out = append(out, &m.Remaining.Sections[i])
	}
	return out
}
