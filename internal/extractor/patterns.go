package extractor

import (
	"regexp"

	"github.com/BearBump/TrackMail/internal/models"
)

const (
	ServiceFedExExpress      = "FedEx Express"
	ServiceFedExGround       = "FedEx Ground"
	ServiceUPS               = "UPS"
	ServiceUSPSTracking      = "USPS Tracking"
	ServiceUSPSInternational = "USPS International"
)

type format struct {
	courier models.Courier
	service string
	// strong formats have a shape no other courier uses, so a valid checksum is enough.
	strong bool
	valid  func(n string) bool
}

var formats = []format{
	{
		courier: models.CourierUPS,
		service: ServiceUPS,
		strong:  true,
		valid: func(n string) bool {
			if len(n) != 18 || n[:2] != "1Z" {
				return false
			}
			d, ok := upsDigits(n[2:17])
			return ok && mod10(d, n[17], 1, 2)
		},
	},
	{
		courier: models.CourierUSPS,
		service: ServiceUSPSInternational,
		strong:  true,
		valid: func(n string) bool {
			return s10Shape.MatchString(n) && s10(n[2:10], n[10])
		},
	},
	{
		courier: models.CourierUSPS,
		service: ServiceUSPSTracking,
		strong:  true,
		valid: func(n string) bool {
			return len(n) == 22 && allDigits(n) && n[0] == '9' && n[1] >= '1' && n[1] <= '5' &&
				mod10(n[:21], n[21], 3, 1)
		},
	},
	{
		courier: models.CourierFedEx,
		service: ServiceFedExExpress,
		valid: func(n string) bool {
			return len(n) == 12 && allDigits(n) && fedexMod11(n[:11], n[11])
		},
	},
	{
		courier: models.CourierFedEx,
		service: ServiceFedExGround,
		valid: func(n string) bool {
			return len(n) == 15 && allDigits(n) && mod10(n[:14], n[14], 1, 3)
		},
	},
	{
		courier: models.CourierFedEx,
		service: ServiceFedExGround,
		valid: func(n string) bool {
			return len(n) == 20 && allDigits(n) && mod10(n[:19], n[19], 3, 1)
		},
	},
	{
		courier: models.CourierUSPS,
		service: ServiceUSPSTracking,
		valid: func(n string) bool {
			return len(n) == 20 && allDigits(n) && mod10(n[:19], n[19], 3, 1)
		},
	},
}

var (
	s10Shape = regexp.MustCompile(`^[A-Z]{2}[0-9]{9}US$`)

	upsToken     = regexp.MustCompile(`\b1Z(?:[ ]?[0-9A-Z]){16}\b`)
	s10Token     = regexp.MustCompile(`\b[A-Z]{2}[0-9]{9}US\b`)
	numericToken = regexp.MustCompile(`\b[0-9](?:[ -]?[0-9]){11,21}\b`)
	separators   = regexp.MustCompile(`[ -]`)

	upsWord = regexp.MustCompile(`\bups\b`)

	trackingKeywords = []string{"tracking", "track", "shipment", "shipped", "package", "delivery", "parcel"}

	senderDomains = map[string]models.Courier{
		"fedex.com": models.CourierFedEx,
		"ups.com":   models.CourierUPS,
		"usps.com":  models.CourierUSPS,
	}
)

// keywordWindow is how far before a number, in bytes, a tracking keyword may appear.
const keywordWindow = 80
