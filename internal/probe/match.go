package probe

import (
	"regexp"
	"strings"
)

// DefaultNoSlotPhrases are the "no availability" messages the portal shows,
// in the languages it serves.
var DefaultNoSlotPhrases = []string{
	"não há disponibilidade",
	"non ci sono date disponibili",
	"no available dates",
	"nessuna disponibilità",
	"unavailable",
	"indisponível",
	"non sono presenti date",
	"nenhuma data disponível",
	"no appointments available",
	"nessun appuntamento disponibile",
	"al momento non ci sono date disponibili",
	"sorry, all appointments for this service are currently booked",
}

// DefaultSuccessPhrases mark a confirmed booking.
var DefaultSuccessPhrases = []string{
	"prenotazione confermata",
	"booking confirmed",
	"agendamento confirmado",
	"successo",
	"success",
	"sucesso",
	"appuntamento confermato",
	"appointment confirmed",
}

// DefaultLoggedInMarkers are URL path fragments only reachable after login.
var DefaultLoggedInMarkers = []string{"/UserArea", "/Services"}

// serviceKeywords maps a service code to the link texts that identify it.
var serviceKeywords = map[string][]string{
	"passport_first":   {"Passaporto", "Passport", "prima emissione", "first"},
	"passport_renewal": {"rinnovo", "renewal", "Passaporto"},
	"citizenship":      {"Cittadinanza", "Citizenship", "cidadania"},
	"cie":              {"Carta d'Identità", "CIE", "Identity Card", "Identidade"},
}

// ServiceKeywords returns the keywords for a service code. Unknown codes
// are used verbatim.
func ServiceKeywords(service string) []string {
	if kw, ok := serviceKeywords[service]; ok {
		return kw
	}
	if service == "" {
		return nil
	}
	return []string{service}
}

// ContainsAny reports whether text contains any phrase, case-insensitively.
func ContainsAny(text string, phrases []string) bool {
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// IsLoggedInPath reports whether a URL or path contains a logged-in marker.
func IsLoggedInPath(pathOrURL string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(pathOrURL, m) {
			return true
		}
	}
	return false
}

// Link is an anchor on the services page.
type Link struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

func isBookingHref(href string) bool {
	return strings.Contains(href, "booking") || strings.Contains(href, "Booking") || strings.Contains(href, "Services")
}

// MatchServiceLink picks the link for the configured service. A link whose
// href mentions serviceID wins; otherwise the first booking link whose text
// or href contains a keyword. It returns -1 when nothing matches.
func MatchServiceLink(links []Link, serviceID string, keywords []string) int {
	if serviceID != "" {
		for i, l := range links {
			if strings.Contains(l.Href, serviceID) {
				return i
			}
		}
	}

	for i, l := range links {
		if !isBookingHref(l.Href) {
			continue
		}
		text := strings.ToLower(l.Text)
		href := strings.ToLower(l.Href)
		for _, kw := range keywords {
			k := strings.ToLower(kw)
			if strings.Contains(text, k) || strings.Contains(href, k) {
				return i
			}
		}
	}

	for i, l := range links {
		if strings.Contains(strings.ToLower(l.Href), "booking") {
			return i
		}
	}
	return -1
}

var (
	codePattern = regexp.MustCompile(`(?i)(?:codice|code|número|numero|number)[:\s]*([A-Z0-9][A-Z0-9-]{3,})`)
	datePattern = regexp.MustCompile(`(?i)(?:data|date)[:\s]*(\d{1,2}[/-]\d{1,2}[/-]\d{2,4})`)
	timePattern = regexp.MustCompile(`(?i)(?:ora|time|horário|horario)[:\s]*(\d{1,2}:\d{2})`)
)

// Confirmation holds details parsed from a confirmation page.
type Confirmation struct {
	Code string
	Date string
	Time string
}

// ParseConfirmation extracts a booking code, date and time from page text.
func ParseConfirmation(text string) Confirmation {
	var c Confirmation
	if m := codePattern.FindStringSubmatch(text); m != nil {
		c.Code = m[1]
	}
	if m := datePattern.FindStringSubmatch(text); m != nil {
		c.Date = m[1]
	}
	if m := timePattern.FindStringSubmatch(text); m != nil {
		c.Time = m[1]
	}
	return c
}

// CleanDates trims, drops empty and duplicate entries, and keeps at most max.
func CleanDates(raw []string, max int) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, d := range raw {
		d = strings.Join(strings.Fields(d), " ")
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
		if len(out) == max {
			break
		}
	}
	return out
}
