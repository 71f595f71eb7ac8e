package httpv1

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/BearBump/ShipBridge/internal/integrations/shopfront"
	"github.com/pkg/errors"
)

// Client — REST-клиент Shopfront Admin API. Адрес собирается из домена
// магазина; baseURL нужен только для тестов и dev-стендов.
type Client struct {
	baseURL string
	httpc   *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpc: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) endpoint(acct shopfront.Account, path string) string {
	if c.baseURL != "" {
		return c.baseURL + path
	}
	return "https://" + acct.Domain + path
}

type orderWrap struct {
	Order *shopfront.Order `json:"order"`
}

type ordersWrap struct {
	Orders []*shopfront.Order `json:"orders"`
}

func (c *Client) GetOrder(ctx context.Context, acct shopfront.Account, orderID uint64) (*shopfront.Order, error) {
	var out orderWrap
	path := fmt.Sprintf("/admin/api/v1/orders/%d.json", orderID)
	if err := c.do(ctx, acct, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out.Order == nil {
		return nil, errors.Errorf("shopfront: order %d not found in response", orderID)
	}
	return out.Order, nil
}

func (c *Client) ListRecentOrders(ctx context.Context, acct shopfront.Account, limit int) ([]*shopfront.Order, error) {
	if limit <= 0 || limit > 250 {
		limit = 50
	}
	var out ordersWrap
	path := fmt.Sprintf("/admin/api/v1/orders.json?financial_status=paid&limit=%d", limit)
	if err := c.do(ctx, acct, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Orders, nil
}

type fulfillmentWrap struct {
	Fulfillment struct {
		ID uint64 `json:"id"`
	} `json:"fulfillment"`
}

func (c *Client) CreateFulfillment(ctx context.Context, acct shopfront.Account, orderID uint64, in shopfront.FulfillmentInput) (shopfront.FulfillmentResult, error) {
	body := map[string]any{
		"fulfillment": map[string]any{
			"tracking_number":  in.TrackingNumber,
			"tracking_url":     in.TrackingURL,
			"tracking_company": in.TrackingCompany,
			"notify_customer":  in.NotifyCustomer,
		},
	}
	var out fulfillmentWrap
	path := fmt.Sprintf("/admin/api/v1/orders/%d/fulfillments.json", orderID)
	if err := c.do(ctx, acct, http.MethodPost, path, body, &out); err != nil {
		return shopfront.FulfillmentResult{}, err
	}
	return shopfront.FulfillmentResult{ID: out.Fulfillment.ID}, nil
}

func (c *Client) UpdateFulfillmentStatus(ctx context.Context, acct shopfront.Account, orderID, fulfillmentID uint64, status string) error {
	body := map[string]any{
		"fulfillment": map[string]any{"shipment_status": status},
	}
	path := fmt.Sprintf("/admin/api/v1/orders/%d/fulfillments/%d.json", orderID, fulfillmentID)
	return c.do(ctx, acct, http.MethodPut, path, body, nil)
}

func (c *Client) PostFulfillmentEvent(ctx context.Context, acct shopfront.Account, orderID, fulfillmentID uint64, ev shopfront.FulfillmentEvent) error {
	body := map[string]any{
		"event": map[string]any{
			"status":  ev.Status,
			"message": ev.Message,
			"city":    ev.City,
			"country": ev.Country,
		},
	}
	path := fmt.Sprintf("/admin/api/v1/orders/%d/fulfillments/%d/events.json", orderID, fulfillmentID)
	return c.do(ctx, acct, http.MethodPost, path, body, nil)
}

func (c *Client) CancelFulfillment(ctx context.Context, acct shopfront.Account, orderID, fulfillmentID uint64) error {
	path := fmt.Sprintf("/admin/api/v1/orders/%d/fulfillments/%d/cancel.json", orderID, fulfillmentID)
	return c.do(ctx, acct, http.MethodPost, path, nil, nil)
}

func (c *Client) UpdateOrderNote(ctx context.Context, acct shopfront.Account, orderID uint64, note string) error {
	body := map[string]any{
		"order": map[string]any{"id": orderID, "note": note},
	}
	path := fmt.Sprintf("/admin/api/v1/orders/%d.json", orderID)
	return c.do(ctx, acct, http.MethodPut, path, body, nil)
}

type fileWrap struct {
	File struct {
		URL string `json:"url"`
	} `json:"file"`
}

func (c *Client) AttachFile(ctx context.Context, acct shopfront.Account, orderID uint64, filename string, data []byte) (shopfront.FileResult, error) {
	body := map[string]any{
		"file": map[string]any{
			"filename":   filename,
			"attachment": base64.StdEncoding.EncodeToString(data),
		},
	}
	var out fileWrap
	path := fmt.Sprintf("/admin/api/v1/orders/%d/files.json", orderID)
	if err := c.do(ctx, acct, http.MethodPost, path, body, &out); err != nil {
		return shopfront.FileResult{}, err
	}
	return shopfront.FileResult{URL: out.File.URL}, nil
}

func (c *Client) do(ctx context.Context, acct shopfront.Account, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(acct, path), body)
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Shopfront-Access-Token", acct.AccessToken)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<12))
		return errors.Errorf("shopfront http %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
