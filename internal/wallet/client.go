// Package wallet — HTTP-клиент локального кошелька, исполняющего платежи.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

// ErrRejected — кошелёк отклонил платёж (ответ 4xx).
var ErrRejected = errors.New("payment rejected by wallet")

type Client struct {
	apiURL     string
	httpClient *http.Client
}

// NewClient создаёт клиент кошелька по адресу apiURL.
func NewClient(apiURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		apiURL:     strings.TrimRight(apiURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Execute отправляет поручение на оплату. Повторная отправка с тем же
// RequestID и методом не порождает второго платежа.
func (c *Client) Execute(ctx context.Context, order models.PaymentOrder) (models.PaymentReceipt, error) {
	const op = "wallet.Execute"

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/payments", order)
	if err != nil {
		return models.PaymentReceipt{}, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Idempotency-Key", order.RequestID+":"+order.Method)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.PaymentReceipt{}, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return models.PaymentReceipt{}, fmt.Errorf("%s: %w: %s", op, ErrRejected, readError(resp.Body))
	default:
		return models.PaymentReceipt{}, fmt.Errorf("%s: unexpected status %s", op, resp.Status)
	}

	var receipt models.PaymentReceipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return models.PaymentReceipt{}, fmt.Errorf("%s: %w", op, err)
	}
	if receipt.Method == "" {
		receipt.Method = order.Method
	}
	return receipt, nil
}

func readError(body io.Reader) string {
	var e errorResponse
	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&e); err != nil || e.Error == "" {
		return "no details"
	}
	return e.Error
}

// IsRejected сообщает, что ошибка — отказ кошелька, а не сбой связи.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
