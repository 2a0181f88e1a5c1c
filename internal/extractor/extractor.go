// Package extractor finds courier tracking numbers in email text.
//
// Precision wins over recall: a number is reported only when its check digit
// validates and, for numeric forms shared between couriers, the surrounding
// email gives enough context to attribute it.
package extractor

import (
	"sort"
	"strings"

	"github.com/BearBump/TrackMail/internal/models"
)

type Candidate struct {
	Courier        models.Courier
	TrackingNumber string
	Service        string
}

type match struct {
	pos    int
	number string
}

// Extract returns the tracking numbers found in the subject and body of email,
// in order of first appearance and without duplicates.
func Extract(email models.Email) []Candidate {
	text := email.Subject + "\n" + email.Body
	upper := asciiUpper(text)
	lower := asciiLower(text)

	sender := senderCourier(email.From)
	mentioned := mentionedCouriers(lower)

	var out []Candidate
	seen := make(map[string]struct{})
	for _, m := range scan(upper) {
		if _, ok := seen[m.number]; ok {
			continue
		}
		c, ok := accept(m, lower, sender, mentioned)
		if !ok {
			continue
		}
		seen[m.number] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Identify reports every checksum-valid reading of a single bare number,
// without the context rules Extract applies.
func Identify(number string) []Candidate {
	n := separators.ReplaceAllString(asciiUpper(strings.TrimSpace(number)), "")
	var out []Candidate
	for _, f := range formats {
		if f.valid(n) {
			out = append(out, Candidate{Courier: f.courier, TrackingNumber: n, Service: f.service})
		}
	}
	return out
}

func scan(upper string) []match {
	var out []match
	for _, loc := range upsToken.FindAllStringIndex(upper, -1) {
		out = append(out, match{pos: loc[0], number: strings.ReplaceAll(upper[loc[0]:loc[1]], " ", "")})
	}
	for _, loc := range s10Token.FindAllStringIndex(upper, -1) {
		out = append(out, match{pos: loc[0], number: upper[loc[0]:loc[1]]})
	}
	for _, loc := range numericToken.FindAllStringIndex(upper, -1) {
		raw := upper[loc[0]:loc[1]]
		out = append(out, match{pos: loc[0], number: separators.ReplaceAllString(raw, "")})
		if !separators.MatchString(raw) {
			continue
		}
		// "Order 1234 5678 ..." may hide a valid number in one of the groups.
		offset := loc[0]
		for _, part := range separators.Split(raw, -1) {
			if len(part) >= 12 {
				out = append(out, match{pos: offset, number: part})
			}
			offset += len(part) + 1
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].pos < out[j].pos })
	return out
}

func accept(m match, lower string, sender models.Courier, mentioned map[models.Courier]bool) (Candidate, bool) {
	var hits []format
	for _, f := range formats {
		if f.valid(m.number) {
			hits = append(hits, f)
		}
	}
	if len(hits) == 0 {
		return Candidate{}, false
	}
	candidate := func(f format) Candidate {
		return Candidate{Courier: f.courier, TrackingNumber: m.number, Service: f.service}
	}

	if len(hits) == 1 && hits[0].strong {
		return candidate(hits[0]), true
	}

	byCourier := make(map[models.Courier]format, len(hits))
	for _, f := range hits {
		if _, ok := byCourier[f.courier]; !ok {
			byCourier[f.courier] = f
		}
	}

	if f, ok := byCourier[sender]; ok {
		return candidate(f), true
	}

	var named []format
	for c, f := range byCourier {
		if mentioned[c] {
			named = append(named, f)
		}
	}
	if len(named) == 1 {
		return candidate(named[0]), true
	}

	if len(byCourier) == 1 && nearbyKeyword(lower, m.pos) {
		return candidate(hits[0]), true
	}
	return Candidate{}, false
}

func senderCourier(from string) models.Courier {
	from = strings.ToLower(from)
	at := strings.LastIndexByte(from, '@')
	if at < 0 {
		return ""
	}
	domain := strings.TrimRight(from[at+1:], "> \t\"'")
	for suffix, c := range senderDomains {
		if domain == suffix || strings.HasSuffix(domain, "."+suffix) {
			return c
		}
	}
	return ""
}

func mentionedCouriers(lower string) map[models.Courier]bool {
	out := make(map[models.Courier]bool, 3)
	if strings.Contains(lower, "fedex") {
		out[models.CourierFedEx] = true
	}
	if upsWord.MatchString(lower) {
		out[models.CourierUPS] = true
	}
	if strings.Contains(lower, "usps") || strings.Contains(lower, "postal service") {
		out[models.CourierUSPS] = true
	}
	return out
}

func nearbyKeyword(lower string, pos int) bool {
	start := pos - keywordWindow
	if start < 0 {
		start = 0
	}
	window := lower[start:pos]
	for _, kw := range trackingKeywords {
		if strings.Contains(window, kw) {
			return true
		}
	}
	return false
}

// asciiUpper and asciiLower fold only ASCII letters so byte offsets stay aligned
// between the two views of the text.
func asciiUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c - 'A' + 'a'
		}
	}
	return string(b)
}
