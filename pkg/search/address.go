package search

import "strings"

// ParseAddress splits a formatted US address such as
// "1500 Q St, Sacramento, CA 95811, USA" into its parts. It is best effort:
// parts it cannot find are returned empty.
func ParseAddress(formatted string) (street, city, state, zip string) {
	var parts []string
	for _, p := range strings.Split(formatted, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "", "", "", ""
	}

	for i := len(parts) - 1; i > 0; i-- {
		s, z := parseStateZip(parts[i])
		if s == "" {
			continue
		}
		state, zip = s, z
		city = parts[i-1]
		if i >= 2 {
			street = strings.Join(parts[:i-1], ", ")
		}
		return street, city, state, zip
	}

	// No state segment: treat the first part as the street.
	street = parts[0]
	if len(parts) >= 2 {
		city = parts[1]
	}
	return street, city, "", ""
}

// parseStateZip parses "CA 95811" or "CA".
func parseStateZip(s string) (state, zip string) {
	fields := strings.Fields(s)
	if len(fields) == 0 || len(fields) > 2 {
		return "", ""
	}
	candidate := fields[0]
	if len(candidate) != 2 || !isUpper(candidate[0]) || !isUpper(candidate[1]) {
		return "", ""
	}
	if len(fields) == 2 {
		if !isZipCode(fields[1]) {
			return "", ""
		}
		zip = fields[1]
	}
	return candidate, zip
}

func isUpper(b byte) bool {
	return b >= 'A' && b <= 'Z'
}

func isZipCode(s string) bool {
	if len(s) != 5 && len(s) != 10 {
		return false
	}
	for i, c := range s {
		if i == 5 && c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
