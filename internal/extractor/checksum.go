package extractor

// mod10 is the weighted mod-10 check used by UPS, FedEx Ground and USPS.
// Weights apply by position in seq (0-based): even positions use evens, odd use odds.
func mod10(seq string, check byte, evens, odds int) bool {
	total := 0
	for i := 0; i < len(seq); i++ {
		x := digitValue(seq[i])
		if x < 0 {
			return false
		}
		if i%2 == 0 {
			x *= evens
		} else {
			x *= odds
		}
		total += x
	}
	c := total % 10
	if c != 0 {
		c = 10 - c
	}
	return c == digitValue(check)
}

// fedexMod11 validates 12-digit FedEx Express numbers.
func fedexMod11(seq string, check byte) bool {
	weights := [3]int{3, 1, 7}
	total := 0
	for i := 0; i < len(seq); i++ {
		x := digitValue(seq[i])
		if x < 0 {
			return false
		}
		total += x * weights[i%3]
	}
	c := total % 11
	if c == 10 {
		c = 0
	}
	return c == digitValue(check)
}

// s10 validates the UPU S10 serial (8 digits + check digit).
func s10(serial string, check byte) bool {
	weights := [8]int{8, 6, 4, 2, 3, 5, 9, 7}
	if len(serial) != len(weights) {
		return false
	}
	total := 0
	for i := 0; i < len(serial); i++ {
		x := digitValue(serial[i])
		if x < 0 {
			return false
		}
		total += x * weights[i]
	}
	c := 11 - total%11
	switch c {
	case 10:
		c = 0
	case 11:
		c = 5
	}
	return c == digitValue(check)
}

// upsDigits converts the alphanumeric UPS serial to digits (A=2, B=3, ... wrapping mod 10).
func upsDigits(serial string) (string, bool) {
	out := make([]byte, len(serial))
	for i := 0; i < len(serial); i++ {
		c := serial[i]
		switch {
		case c >= '0' && c <= '9':
			out[i] = c
		case c >= 'A' && c <= 'Z':
			out[i] = byte('0' + (int(c)-63)%10)
		default:
			return "", false
		}
	}
	return string(out), true
}

func digitValue(c byte) int {
	if c < '0' || c > '9' {
		return -1
	}
	return int(c - '0')
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
