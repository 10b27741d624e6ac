package mpesa

import "strings"

// NormalizePhone turns 07XXXXXXXX, 01XXXXXXXX, +2547XXXXXXXX and
// 2547XXXXXXXX style numbers into the 2547XXXXXXXX / 2541XXXXXXXX form
// M-Pesa expects.
func NormalizePhone(raw string) (string, error) {
	p := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(raw))
	p = strings.TrimPrefix(p, "+")

	switch {
	case strings.HasPrefix(p, "0") && len(p) == 10:
		p = "254" + p[1:]
	case (strings.HasPrefix(p, "7") || strings.HasPrefix(p, "1")) && len(p) == 9:
		p = "254" + p
	}

	if len(p) != 12 || !strings.HasPrefix(p, "254") || (p[3] != '7' && p[3] != '1') {
		return "", ErrInvalidPhone
	}
	for _, r := range p {
		if r < '0' || r > '9' {
			return "", ErrInvalidPhone
		}
	}

	return p, nil
}
