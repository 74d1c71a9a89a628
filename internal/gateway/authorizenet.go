package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/retry"
	"rent-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type anetAuth struct {
	Name           string `json:"name"`
	TransactionKey string `json:"transactionKey"`
}

// Request bodies are structs because the API validates element order.
type anetCreateRequest struct {
	Body struct {
		MerchantAuthentication anetAuth               `json:"merchantAuthentication"`
		RefId                  string                 `json:"refId,omitempty"`
		TransactionRequest     anetTransactionRequest `json:"transactionRequest"`
	} `json:"createTransactionRequest"`
}

type anetTransactionRequest struct {
	TransactionType string       `json:"transactionType"`
	Amount          string       `json:"amount,omitempty"`
	Payment         *anetPayment `json:"payment,omitempty"`
	RefTransId      string       `json:"refTransId,omitempty"`
	Order           *anetOrder   `json:"order,omitempty"`
}

type anetPayment struct {
	OpaqueData anetOpaqueData `json:"opaqueData"`
}

type anetOpaqueData struct {
	DataDescriptor string `json:"dataDescriptor"`
	DataValue      string `json:"dataValue"`
}

type anetOrder struct {
	InvoiceNumber string `json:"invoiceNumber"`
}

type anetMessages struct {
	ResultCode string `json:"resultCode"`
	Message    []struct {
		Code string `json:"code"`
		Text string `json:"text"`
	} `json:"message"`
}

func (m anetMessages) text() string {
	if len(m.Message) == 0 {
		return m.ResultCode
	}
	return m.Message[0].Text
}

type anetTransactionResponse struct {
	ResponseCode string `json:"responseCode"`
	TransId      string `json:"transId"`
	AuthCode     string `json:"authCode"`
	Errors       []struct {
		ErrorCode string `json:"errorCode"`
		ErrorText string `json:"errorText"`
	} `json:"errors"`
}

type anetCreateResponse struct {
	TransactionResponse *anetTransactionResponse `json:"transactionResponse"`
	Messages            anetMessages             `json:"messages"`
}

type anetDetailsResponse struct {
	Transaction struct {
		TransactionStatus string `json:"transactionStatus"`
	} `json:"transaction"`
	Messages anetMessages `json:"messages"`
}

// Authorize.Net transaction response codes
const (
	anetApproved = "1"
	anetDeclined = "2"
	anetError    = "3"
	anetHeld     = "4"
)

// AuthorizeNetGateway charges cards with authCaptureTransaction requests
// carrying Accept.js opaque data.
type AuthorizeNetGateway struct {
	endpoint       string
	loginId        string
	transactionKey string
	signatureKey   string
	clientKey      string
	http           *http.Client
	retry          retry.Policy
}

func NewAuthorizeNetGateway(cfg models.AuthorizeNetConfig, httpClient *http.Client) *AuthorizeNetGateway {
	return &AuthorizeNetGateway{
		endpoint:       cfg.Endpoint,
		loginId:        cfg.LoginID,
		transactionKey: cfg.TransactionKey,
		signatureKey:   cfg.SignatureKey,
		clientKey:      cfg.ClientKey,
		http:           httpClient,
		retry:          retry.DefaultPolicy(),
	}
}

func (g *AuthorizeNetGateway) Provider() string { return "authorizenet" }
func (g *AuthorizeNetGateway) Kind() Kind       { return KindCard }

func (g *AuthorizeNetGateway) auth() anetAuth {
	return anetAuth{Name: g.loginId, TransactionKey: g.transactionKey}
}

// call retries 429, 5xx and transport failures. A repeated charge inside
// the duplicate window is rejected by Authorize.Net with error 11.
func (g *AuthorizeNetGateway) call(ctx context.Context, payload interface{}, out interface{}) error {
	return retry.Do(ctx, g.retry, "authorizenet", func() error {
		raw, status, err := postJSON(ctx, g.http, g.endpoint, payload)
		if err != nil {
			if retry.IsNetworkError(err) {
				return retry.Transient(err)
			}
			return err
		}
		if status >= 300 {
			err := fmt.Errorf("authorize.net returned status %d", status)
			if retry.RetryableStatus(status) {
				return retry.Transient(err)
			}
			return err
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode authorize.net response: %w", err)
		}
		return nil
	})
}

func (g *AuthorizeNetGateway) InitiatePayment(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", store.ErrInvalidAmount, req.Amount.String())
	}
	descriptor := req.Metadata["data_descriptor"]
	value := req.Metadata["data_value"]
	if descriptor == "" || value == "" {
		return nil, fmt.Errorf("data_descriptor and data_value are required for card payments")
	}

	payload := anetCreateRequest{}
	payload.Body.MerchantAuthentication = g.auth()
	payload.Body.RefId = truncate(req.IdempotencyKey, 20)
	payload.Body.TransactionRequest = anetTransactionRequest{
		TransactionType: "authCaptureTransaction",
		Amount:          req.Amount.StringFixed(2),
		Payment: &anetPayment{OpaqueData: anetOpaqueData{
			DataDescriptor: descriptor,
			DataValue:      value,
		}},
		Order: &anetOrder{InvoiceNumber: truncate(req.InvoiceId, 20)},
	}

	var resp anetCreateResponse
	if err := g.call(ctx, payload, &resp); err != nil {
		return nil, err
	}

	tr := resp.TransactionResponse
	if tr == nil {
		return nil, fmt.Errorf("authorize.net error: %s", resp.Messages.text())
	}
	switch tr.ResponseCode {
	case anetApproved:
		zap.L().Info("Authorize.Net payment captured",
			zap.String("invoice_id", req.InvoiceId),
			zap.String("trans_id", tr.TransId))
		return &InitiateResult{TransactionId: tr.TransId, Status: StatusSucceeded, Collected: req.Amount}, nil
	case anetHeld:
		return &InitiateResult{TransactionId: tr.TransId, Status: StatusPending}, nil
	case anetDeclined, anetError:
		msg := resp.Messages.text()
		if len(tr.Errors) > 0 {
			msg = tr.Errors[0].ErrorText
		}
		return nil, fmt.Errorf("%w: %s", store.ErrGatewayDeclined, msg)
	default:
		return nil, fmt.Errorf("authorize.net returned response code %q", tr.ResponseCode)
	}
}

func (g *AuthorizeNetGateway) VerifyPayment(ctx context.Context, transactionId string) (PaymentStatus, error) {
	payload := map[string]interface{}{
		"getTransactionDetailsRequest": struct {
			MerchantAuthentication anetAuth `json:"merchantAuthentication"`
			TransId                string   `json:"transId"`
		}{g.auth(), transactionId},
	}
	var resp anetDetailsResponse
	if err := g.call(ctx, payload, &resp); err != nil {
		return "", err
	}
	if resp.Messages.ResultCode != "Ok" {
		return "", fmt.Errorf("authorize.net error: %s", resp.Messages.text())
	}

	switch resp.Transaction.TransactionStatus {
	case "settledSuccessfully", "capturedPendingSettlement":
		return StatusSucceeded, nil
	case "declined", "expired", "voided", "generalError", "settlementError", "communicationError", "failedReview":
		return StatusFailed, nil
	default:
		return StatusPending, nil
	}
}

func (g *AuthorizeNetGateway) RefundPayment(ctx context.Context, transactionId string, amount decimal.Decimal) (*RefundResult, error) {
	payload := anetCreateRequest{}
	payload.Body.MerchantAuthentication = g.auth()
	payload.Body.TransactionRequest = anetTransactionRequest{
		TransactionType: "refundTransaction",
		RefTransId:      transactionId,
	}
	if amount.IsPositive() {
		payload.Body.TransactionRequest.Amount = amount.StringFixed(2)
	}

	var resp anetCreateResponse
	if err := g.call(ctx, payload, &resp); err != nil {
		return nil, err
	}
	if resp.Messages.ResultCode != "Ok" || resp.TransactionResponse == nil || resp.TransactionResponse.ResponseCode != anetApproved {
		msg := resp.Messages.text()
		if resp.TransactionResponse != nil && len(resp.TransactionResponse.Errors) > 0 {
			msg = resp.TransactionResponse.Errors[0].ErrorText
		}
		return nil, fmt.Errorf("authorize.net refund failed: %s", msg)
	}
	return &RefundResult{RefundId: resp.TransactionResponse.TransId, Amount: amount, Status: StatusSucceeded}, nil
}

func (g *AuthorizeNetGateway) ClientConfig(ctx context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{
		"api_login_id": g.loginId,
		"client_key":   g.clientKey,
	}, nil
}

type anetWebhook struct {
	NotificationId string `json:"notificationId"`
	EventType      string `json:"eventType"`
	Payload        struct {
		Id           string      `json:"id"`
		ResponseCode json.Number `json:"responseCode"`
	} `json:"payload"`
}

func (g *AuthorizeNetGateway) VerifyWebhook(ctx context.Context, header http.Header, body []byte) (*WebhookEvent, error) {
	if err := VerifyAuthorizeNetSignature(header.Get(anetSignatureHeader), body, g.signatureKey); err != nil {
		return nil, err
	}

	var hook anetWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("%w: invalid payload: %v", store.ErrWebhookVerificationFailed, err)
	}
	if hook.NotificationId == "" {
		return nil, fmt.Errorf("%w: notification id missing", store.ErrWebhookVerificationFailed)
	}

	event := &WebhookEvent{
		EventId:       hook.NotificationId,
		EventType:     hook.EventType,
		TransactionId: hook.Payload.Id,
	}
	switch {
	case strings.HasSuffix(hook.EventType, ".authcapture.created"), strings.HasSuffix(hook.EventType, ".capture.created"):
		if code, _ := strconv.Atoi(hook.Payload.ResponseCode.String()); code == 1 {
			event.Status = StatusSucceeded
		} else {
			event.Status = StatusFailed
			event.Message = "response code " + hook.Payload.ResponseCode.String()
		}
	case strings.HasSuffix(hook.EventType, ".void.created"), strings.HasSuffix(hook.EventType, ".fraud.declined"):
		event.Status = StatusFailed
		event.Message = hook.EventType
	}
	return event, nil
}

func (g *AuthorizeNetGateway) TestConnection(ctx context.Context) error {
	payload := map[string]interface{}{
		"authenticateTestRequest": map[string]interface{}{
			"merchantAuthentication": g.auth(),
		},
	}
	var resp struct {
		Messages anetMessages `json:"messages"`
	}
	if err := g.call(ctx, payload, &resp); err != nil {
		return err
	}
	if resp.Messages.ResultCode != "Ok" {
		return fmt.Errorf("authorize.net authentication failed: %s", resp.Messages.text())
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
