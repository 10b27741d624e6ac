package mpesa

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ResultCancelled is the result code for a push the customer dismissed.
const ResultCancelled = 1032

// Callback is the decoded result of an STK push, as delivered to the
// callback URL.
type Callback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string

	// Set only on success.
	ReceiptNumber   string
	Amount          string
	Phone           string
	TransactionDate string
}

func (c Callback) Success() bool {
	return c.ResultCode == 0
}

// ParseCallback decodes an STK callback body. Metadata values may arrive as
// JSON numbers or strings; both are kept as their textual form.
func ParseCallback(body []byte) (*Callback, error) {
	const op = "mpesa.ParseCallback"

	var env callbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrMalformedCallback, err)
	}
	if env.Body == nil || env.Body.StkCallback == nil {
		return nil, fmt.Errorf("%s: %w: missing Body.stkCallback", op, ErrMalformedCallback)
	}

	raw := env.Body.StkCallback
	if raw.CheckoutRequestID == "" || raw.ResultCode == nil {
		return nil, fmt.Errorf("%s: %w: missing CheckoutRequestID or ResultCode", op, ErrMalformedCallback)
	}

	cb := &Callback{
		MerchantRequestID: raw.MerchantRequestID,
		CheckoutRequestID: raw.CheckoutRequestID,
		ResultCode:        *raw.ResultCode,
		ResultDesc:        raw.ResultDesc,
	}

	if raw.CallbackMetadata != nil {
		for _, it := range raw.CallbackMetadata.Item {
			v := metadataValue(it.Value)
			switch it.Name {
			case "MpesaReceiptNumber":
				cb.ReceiptNumber = v
			case "Amount":
				cb.Amount = v
			case "PhoneNumber":
				cb.Phone = v
			case "TransactionDate":
				cb.TransactionDate = v
			}
		}
	}

	if cb.Success() && cb.ReceiptNumber == "" {
		return nil, fmt.Errorf("%s: %w: success without MpesaReceiptNumber", op, ErrMalformedCallback)
	}

	return cb, nil
}

func metadataValue(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		// Phone numbers and dates are sent as large numbers; keep integers
		// free of exponent notation.
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return strings.TrimSuffix(strings.TrimRight(n.String(), "0"), ".")
	}

	return string(raw)
}
