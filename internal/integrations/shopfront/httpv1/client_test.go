package httpv1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BearBump/ShipBridge/internal/integrations/shopfront"
	"github.com/stretchr/testify/require"
)

func TestClient_GetOrder_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/admin/api/v1/orders/1001.json", r.URL.Path)
		require.Equal(t, "tok", r.Header.Get("X-Shopfront-Access-Token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"order":{"id":1001,"name":"#1001","financial_status":"paid","total_price":"100.00","line_items":[{"id":1,"title":"Mug","quantity":1,"price":"100.00"}]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	o, err := c.GetOrder(context.Background(), shopfront.Account{Domain: "demo", AccessToken: "tok"}, 1001)
	require.NoError(t, err)
	require.Equal(t, "#1001", o.Name)
	require.Equal(t, "paid", o.FinancialStatus)
	require.Len(t, o.LineItems, 1)
}

func TestClient_CreateFulfillment_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/admin/api/v1/orders/1001/fulfillments.json", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var body map[string]map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "EF123", body["fulfillment"]["tracking_number"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"fulfillment":{"id":555}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	res, err := c.CreateFulfillment(context.Background(), shopfront.Account{}, 1001, shopfront.FulfillmentInput{
		TrackingNumber:  "EF123",
		TrackingCompany: "EcoFreight",
	})
	require.NoError(t, err)
	require.Equal(t, uint64(555), res.ID)
}

func TestClient_UpdateFulfillmentStatus_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream broken"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.UpdateFulfillmentStatus(context.Background(), shopfront.Account{}, 1001, 555, "in_transit")
	require.Error(t, err)
	require.Contains(t, err.Error(), "shopfront http 502")
}
