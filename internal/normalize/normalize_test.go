package normalize

import (
	"testing"

	"github.com/BearBump/TrackMail/internal/models"
	"github.com/stretchr/testify/require"
)

func TestStatus_Table(t *testing.T) {
	cases := []struct {
		courier models.Courier
		raw     string
		want    models.Status
	}{
		{models.CourierFedEx, "DL", models.StatusDelivered},
		{models.CourierFedEx, "OC", models.StatusWaiting},
		{models.CourierFedEx, "IT", models.StatusInTransit},
		{models.CourierFedEx, "PU", models.StatusInTransit},
		{models.CourierUPS, "D", models.StatusDelivered},
		{models.CourierUPS, "M", models.StatusWaiting},
		{models.CourierUPS, "P", models.StatusWaiting},
		{models.CourierUPS, "I", models.StatusInTransit},
		{models.CourierUSPS, "Delivered", models.StatusDelivered},
		{models.CourierUSPS, "Pre-Shipment", models.StatusWaiting},
		{models.CourierUSPS, "In Transit", models.StatusInTransit},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Status(tc.courier, tc.raw), "%s/%s", tc.courier, tc.raw)
	}
}

func TestStatus_UnknownCodesStayInTransit(t *testing.T) {
	require.Equal(t, models.StatusInTransit, Status(models.CourierUPS, "ZZ"))
	require.Equal(t, models.StatusInTransit, Status(models.CourierFedEx, ""))
	require.Equal(t, models.StatusInTransit, Status(models.CourierUSPS, "delivered"))
	require.Equal(t, models.StatusInTransit, Status(models.Courier("DHL"), "DL"))
}

func TestStatus_CodesAreCourierScoped(t *testing.T) {
	// "D" is only a delivery code for UPS.
	require.Equal(t, models.StatusInTransit, Status(models.CourierFedEx, "D"))
	require.Equal(t, models.StatusInTransit, Status(models.CourierUSPS, "DL"))
}
