package httpv1

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/ShipBridge/internal/integrations/ecofreight"
	"github.com/pkg/errors"
)

// Client — боевой REST-клиент EcoFreight v1.
type Client struct {
	baseURL string
	httpc   *http.Client
}

func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://api.ecofreight.example"
	}
	return &Client{
		baseURL: baseURL,
		httpc: &http.Client{
			// Внешний сервис не должен вешать воркера.
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) endpoint(acct ecofreight.Account, path string) (string, error) {
	base := acct.BaseURL
	if base == "" {
		base = c.baseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrap(err, "parse base url")
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

type authResp struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"` // seconds
}

func (c *Client) Authenticate(ctx context.Context, acct ecofreight.Account) (ecofreight.AuthResult, error) {
	body := map[string]string{"username": acct.Username, "password": acct.Password}
	var out authResp
	if err := c.doJSON(ctx, acct, "", http.MethodPost, "/api/v1/auth/login", body, &out); err != nil {
		return ecofreight.AuthResult{}, err
	}
	if out.Token == "" {
		return ecofreight.AuthResult{}, errors.New("ecofreight auth: empty token")
	}
	return ecofreight.AuthResult{
		Token:     out.Token,
		ExpiresIn: time.Duration(out.ExpiresIn) * time.Second,
	}, nil
}

type createResp struct {
	AWB         string `json:"awb"`
	Reference   string `json:"reference"`
	TrackingURL string `json:"tracking_url"`
}

func (c *Client) CreateShipment(ctx context.Context, acct ecofreight.Account, token string, req ecofreight.CreateRequest) (ecofreight.CreateResult, error) {
	var out createResp
	if err := c.doJSON(ctx, acct, token, http.MethodPost, "/api/v1/shipments", req, &out); err != nil {
		return ecofreight.CreateResult{}, err
	}
	if out.AWB == "" {
		return ecofreight.CreateResult{}, errors.New("ecofreight create: empty awb")
	}
	return ecofreight.CreateResult{AWB: out.AWB, Reference: out.Reference, TrackingURL: out.TrackingURL}, nil
}

type labelResp struct {
	LabelURL string `json:"label_url"`
}

func (c *Client) GetLabel(ctx context.Context, acct ecofreight.Account, token, awb string) (ecofreight.LabelResult, error) {
	ep, err := c.endpoint(acct, "/api/v1/shipments/"+url.PathEscape(awb)+"/label")
	if err != nil {
		return ecofreight.LabelResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep, nil)
	if err != nil {
		return ecofreight.LabelResult{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return ecofreight.LabelResult{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return ecofreight.LabelResult{}, apiError(resp)
	}

	// Ярлык может прийти сразу PDF'ом либо JSON'ом со ссылкой.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/pdf") {
		data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return ecofreight.LabelResult{}, errors.Wrap(err, "read label body")
		}
		return ecofreight.LabelResult{Data: data}, nil
	}

	var out labelResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ecofreight.LabelResult{}, errors.Wrap(err, "decode label")
	}
	if out.LabelURL == "" {
		return ecofreight.LabelResult{}, &ecofreight.APIError{StatusCode: resp.StatusCode, Code: "label_not_ready", Message: "label url is empty"}
	}
	return ecofreight.LabelResult{URL: out.LabelURL}, nil
}

type trackRespCheckpoint struct {
	Status      string          `json:"status"`
	Description string          `json:"description"`
	City        string          `json:"city"`
	Country     string          `json:"country"`
	EventTime   time.Time       `json:"event_time"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

type trackResp struct {
	Status      string                `json:"status"`
	Checkpoints []trackRespCheckpoint `json:"checkpoints"`
}

func (c *Client) Track(ctx context.Context, acct ecofreight.Account, token, awb string) (ecofreight.TrackResult, error) {
	var out trackResp
	if err := c.doJSON(ctx, acct, token, http.MethodGet, "/api/v1/shipments/"+url.PathEscape(awb)+"/track", nil, &out); err != nil {
		return ecofreight.TrackResult{}, err
	}

	res := ecofreight.TrackResult{Status: out.Status}
	for _, cp := range out.Checkpoints {
		var loc *string
		if cp.City != "" || cp.Country != "" {
			l := strings.TrimPrefix(cp.City+", "+cp.Country, ", ")
			l = strings.TrimSuffix(l, ", ")
			loc = &l
		}
		res.Checkpoints = append(res.Checkpoints, &ecofreight.Checkpoint{
			Status:      cp.Status,
			Description: cp.Description,
			Location:    loc,
			EventTime:   cp.EventTime,
			Payload:     cp.Raw,
		})
	}
	return res, nil
}

func (c *Client) Cancel(ctx context.Context, acct ecofreight.Account, token, awb string) error {
	return c.doJSON(ctx, acct, token, http.MethodPost, "/api/v1/shipments/"+url.PathEscape(awb)+"/cancel", nil, nil)
}

type errResp struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func apiError(resp *http.Response) error {
	var er errResp
	// Тело ошибки может быть не-JSON — тогда оставляем только статус.
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&er)
	return &ecofreight.APIError{StatusCode: resp.StatusCode, Code: er.Code, Message: er.Message}
}

func (c *Client) doJSON(ctx context.Context, acct ecofreight.Account, token, method, path string, in, out any) error {
	ep, err := c.endpoint(acct, path)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, ep, body)
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
