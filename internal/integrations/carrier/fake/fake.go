package fake

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/BearBump/TrackMail/internal/integrations/carrier"
	"github.com/BearBump/TrackMail/internal/models"
)

// FakeClient: детерминированный "перевозчик" для демо и локального запуска без ключей.
// Каждый вызов продвигает посылку на шаг по цепочке waiting -> in_transit -> delivered,
// часть треков (по хешу номера) начинает сразу с in_transit.
type FakeClient struct {
	courier models.Courier

	mu    sync.Mutex
	steps map[string]int
}

func New(courier models.Courier) *FakeClient {
	return &FakeClient{courier: courier, steps: make(map[string]int)}
}

type stage struct {
	code        string
	description string
}

func (f *FakeClient) stages() []stage {
	switch f.courier {
	case models.CourierFedEx:
		return []stage{{"OC", "Shipment information sent to FedEx"}, {"IT", "In transit"}, {"DL", "Delivered"}}
	case models.CourierUPS:
		return []stage{{"M", "Shipper created a label"}, {"I", "On the Way"}, {"D", "Delivered"}}
	case models.CourierUSPS:
		return []stage{{"Pre-Shipment", "Shipping Label Created"}, {"In Transit", "In Transit to Next Facility"}, {"Delivered", "Delivered, Front Door/Porch"}}
	default:
		return []stage{{"?", "fake courier update"}}
	}
}

func (f *FakeClient) CheckStatus(ctx context.Context, trackingNumber, service string) (carrier.Sample, error) {
	if err := ctx.Err(); err != nil {
		return carrier.Sample{}, carrier.NewError(carrier.KindTransient, f.courier, err)
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(f.courier))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(trackingNumber))
	v := h.Sum32()

	f.mu.Lock()
	step := f.steps[trackingNumber]
	f.steps[trackingNumber] = step + 1
	f.mu.Unlock()

	// 20% треков пропускают стадию "waiting"
	if v%5 == 0 {
		step++
	}

	st := f.stages()
	if step >= len(st) {
		step = len(st) - 1
	}
	return carrier.Sample{
		RawCode:     st[step].code,
		Description: carrier.StringPtr(st[step].description),
		Location:    carrier.StringPtr("Demo Hub"),
	}, nil
}
