package normalize

import "github.com/BearBump/TrackMail/internal/models"

// Status maps a courier's raw status code or category to the canonical lifecycle.
// Unknown codes map to in_transit: closing out a shipment too early is worse than
// polling it one more time.
func Status(c models.Courier, raw string) models.Status {
	switch c {
	case models.CourierFedEx:
		switch raw {
		case "DL":
			return models.StatusDelivered
		case "OC":
			return models.StatusWaiting
		}
	case models.CourierUPS:
		switch raw {
		case "D":
			return models.StatusDelivered
		case "M", "P":
			return models.StatusWaiting
		}
	case models.CourierUSPS:
		switch raw {
		case "Delivered":
			return models.StatusDelivered
		case "Pre-Shipment":
			return models.StatusWaiting
		}
	}
	return models.StatusInTransit
}
