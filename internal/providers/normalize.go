package providers

import (
	"net/mail"
	"strings"
)

// ParseSender splits a From header into a lowercase address and display name.
// Unparseable headers fall back to the raw text in angle brackets, if any.
func ParseSender(from string) (email, name string) {
	from = strings.TrimSpace(from)
	if from == "" {
		return "", ""
	}
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(addr.Address), strings.TrimSpace(addr.Name)
	}
	if lt := strings.LastIndex(from, "<"); lt >= 0 {
		if gt := strings.Index(from[lt:], ">"); gt > 0 {
			email = strings.ToLower(strings.TrimSpace(from[lt+1 : lt+gt]))
			name = strings.Trim(strings.TrimSpace(from[:lt]), `"`)
			return email, name
		}
	}
	return strings.ToLower(from), ""
}

// Domain returns the domain part of an address
func Domain(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}

// UnsubscribeLink extracts the preferred URI from a List-Unsubscribe header:
// the first https link, else the first http link, else the first mailto.
func UnsubscribeLink(header string) string {
	if header == "" {
		return ""
	}
	var web, mailto string
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		part = strings.TrimPrefix(part, "<")
		part = strings.TrimSuffix(part, ">")
		lower := strings.ToLower(part)
		switch {
		case strings.HasPrefix(lower, "https:"):
			return part
		case strings.HasPrefix(lower, "http:"):
			if web == "" {
				web = part
			}
		case strings.HasPrefix(lower, "mailto:"):
			if mailto == "" {
				mailto = part
			}
		}
	}
	if web != "" {
		return web
	}
	return mailto
}

// Gmail category labels
var gmailCategories = map[string]string{
	"CATEGORY_PERSONAL":   "primary",
	"CATEGORY_SOCIAL":     "social",
	"CATEGORY_PROMOTIONS": "promotions",
	"CATEGORY_UPDATES":    "updates",
	"CATEGORY_FORUMS":     "forums",
}

// CategoryFromLabels maps provider classification labels to a category,
// defaulting to "primary".
func CategoryFromLabels(labels []string) string {
	for _, l := range labels {
		if c, ok := gmailCategories[l]; ok {
			return c
		}
	}
	return "primary"
}

// HasLabel reports whether labels contains label
func HasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}
