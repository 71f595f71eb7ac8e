package fake

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/BearBump/ShipBridge/internal/integrations/ecofreight"
)

// FakeClient — локальная заглушка EcoFreight для dev-окружения и тестов.
// Поведение детерминировано по reference/awb, чтобы сценарии были воспроизводимы.
type FakeClient struct{}

func New() *FakeClient { return &FakeClient{} }

func (f *FakeClient) Authenticate(ctx context.Context, acct ecofreight.Account) (ecofreight.AuthResult, error) {
	return ecofreight.AuthResult{Token: "fake-token", ExpiresIn: time.Hour}, nil
}

func (f *FakeClient) CreateShipment(ctx context.Context, acct ecofreight.Account, token string, req ecofreight.CreateRequest) (ecofreight.CreateResult, error) {
	awb := fmt.Sprintf("EF%08d", hash(req.Reference)%100_000_000)
	return ecofreight.CreateResult{
		AWB:         awb,
		Reference:   "REF-" + req.Reference,
		TrackingURL: "https://track.ecofreight.example/" + awb,
	}, nil
}

func (f *FakeClient) GetLabel(ctx context.Context, acct ecofreight.Account, token, awb string) (ecofreight.LabelResult, error) {
	return ecofreight.LabelResult{URL: "https://labels.ecofreight.example/" + awb + ".pdf"}, nil
}

func (f *FakeClient) Track(ctx context.Context, acct ecofreight.Account, token, awb string) (ecofreight.TrackResult, error) {
	now := time.Now().UTC()

	// 20% отправлений считаем доставленными, остальные — в пути.
	status := "in_transit"
	if hash(awb)%5 == 0 {
		status = "delivered"
	}

	loc := "Cairo, EG"
	cp := &ecofreight.Checkpoint{
		Status:      status,
		Description: "fake carrier update",
		Location:    &loc,
		EventTime:   now,
	}
	return ecofreight.TrackResult{Status: status, Checkpoints: []*ecofreight.Checkpoint{cp}}, nil
}

func (f *FakeClient) Cancel(ctx context.Context, acct ecofreight.Account, token, awb string) error {
	return nil
}

func hash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
