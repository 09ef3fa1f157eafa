package pesapal

import (
	"encoding/json"
	"fmt"
	"strings"

	"checkout-service/internal/apperr"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// Notification tells the gateway where to deliver IPNs for an order. It is
// either a registered NotificationID or a raw IPNURL, never both.
type Notification interface {
	notificationField() (key, value string)
}

// NotificationID is the id returned by RegisterIPN.
type NotificationID string

func (n NotificationID) notificationField() (string, string) {
	return "notification_id", string(n)
}

// IPNURL is a webhook URL sent in place of a registered notification id.
type IPNURL string

func (u IPNURL) notificationField() (string, string) {
	return "ipn_notification_url", string(u)
}

type BillingAddress struct {
	EmailAddress string `json:"email_address,omitempty" validate:"omitempty,email"`
	PhoneNumber  string `json:"phone_number,omitempty"`
	CountryCode  string `json:"country_code,omitempty" validate:"omitempty,len=2"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	Line1        string `json:"line_1,omitempty"`
}

type Item struct {
	ID        int64           `json:"id" validate:"required"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity" validate:"min=1"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type Customer struct {
	Email       string `json:"email,omitempty" validate:"omitempty,email"`
	PhoneNumber string `json:"phone_number,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
}

// SubmitOrderRequest is the body of POST /api/Transactions/SubmitOrderRequest.
type SubmitOrderRequest struct {
	ID              string          `validate:"required,max=50"`
	Currency        string          `validate:"required,len=3"`
	Amount          decimal.Decimal `validate:"-"`
	Description     string          `validate:"required,max=100"`
	CallbackURL     string          `validate:"required,url"`
	CancellationURL string          `validate:"omitempty,url"`
	Notification    Notification    `validate:"required"`
	BillingAddress  BillingAddress
	Items           []Item `validate:"dive"`
	Customer        *Customer
}

// Validate checks the request before it is serialised. An empty notification
// id is rejected here because the gateway refuses it.
func (r *SubmitOrderRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "invalid order request")
	}
	if !r.Amount.IsPositive() {
		return apperr.New(apperr.KindValidation, "order amount must be greater than zero")
	}
	switch n := r.Notification.(type) {
	case NotificationID:
		if strings.TrimSpace(string(n)) == "" {
			return apperr.New(apperr.KindValidation, "notification_id must not be empty")
		}
	case IPNURL:
		if err := validate.Var(string(n), "required,url"); err != nil {
			return apperr.Wrap(apperr.KindValidation, err, "ipn_notification_url must be a valid URL")
		}
	default:
		return apperr.New(apperr.KindValidation, "notification_id or ipn_notification_url is required")
	}
	return nil
}

func (r *SubmitOrderRequest) MarshalJSON() ([]byte, error) {
	cancellation := r.CancellationURL
	if cancellation == "" {
		cancellation = r.CallbackURL
	}
	items := r.Items
	if items == nil {
		items = []Item{}
	}

	body := map[string]any{
		"id":               r.ID,
		"currency":         r.Currency,
		"amount":           r.Amount.StringFixed(2),
		"description":      r.Description,
		"callback_url":     r.CallbackURL,
		"cancellation_url": cancellation,
		"billing_address":  r.BillingAddress,
		"items":            items,
	}
	if r.Notification != nil {
		key, value := r.Notification.notificationField()
		body[key] = value
	}
	if r.Customer != nil {
		body["customer"] = r.Customer
	}
	return json.Marshal(body)
}

type SubmitOrderResponse struct {
	OrderTrackingID   string `json:"order_tracking_id"`
	MerchantReference string `json:"merchant_reference"`
	RedirectURL       string `json:"redirect_url"`
	Status            string `json:"status"`
}

// TransactionStatus is the body of GET /api/Transactions/GetTransactionStatus.
type TransactionStatus struct {
	PaymentStatusDescription string           `json:"payment_status_description"`
	Amount                   *decimal.Decimal `json:"-"`
	PaymentMethod            string           `json:"payment_method"`
	PaymentAccount           string           `json:"payment_account"`
	ConfirmationCode         string           `json:"confirmation_code"`
	PaymentID                string           `json:"payment_id"`
	PaymentReference         string           `json:"payment_reference"`
	MerchantReference        string           `json:"merchant_reference"`
	Currency                 string           `json:"currency"`
	StatusCode               int              `json:"status_code"`
	Description              string           `json:"description"`
	Raw                      json.RawMessage  `json:"-"`
}

// UnmarshalJSON accepts amount as a JSON number or string. A missing or
// unparseable amount leaves Amount nil.
func (s *TransactionStatus) UnmarshalJSON(data []byte) error {
	type alias TransactionStatus
	aux := struct {
		*alias
		Amount    json.RawMessage `json:"amount"`
		PaymentID json.RawMessage `json:"payment_id"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.Raw = append(json.RawMessage(nil), data...)
	s.Amount = parseAmount(aux.Amount)
	s.PaymentID = rawString(aux.PaymentID)
	return nil
}

func parseAmount(raw json.RawMessage) *decimal.Decimal {
	text := rawString(raw)
	if text == "" {
		return nil
	}
	amount, err := decimal.NewFromString(text)
	if err != nil {
		return nil
	}
	return &amount
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

type tokenRequest struct {
	ConsumerKey    string `json:"consumer_key"`
	ConsumerSecret string `json:"consumer_secret"`
}

type tokenResponse struct {
	Token      string `json:"token"`
	ExpiryDate string `json:"expiryDate"`
}

type registerIPNRequest struct {
	URL                 string `json:"url"`
	IPNNotificationType string `json:"ipn_notification_type"`
}

type registerIPNResponse struct {
	IPNID string `json:"ipn_id"`
	URL   string `json:"url"`
}

func (s *TransactionStatus) String() string {
	amount := "<nil>"
	if s.Amount != nil {
		amount = s.Amount.String()
	}
	return fmt.Sprintf("status=%s amount=%s method=%s", s.PaymentStatusDescription, amount, s.PaymentMethod)
}
