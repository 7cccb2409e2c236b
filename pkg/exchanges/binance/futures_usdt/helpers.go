package futures_usdt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"perpdesk/pkg/exchanges/common"
)

// codeNoNeedToChangeMargin is returned when the requested margin type is already set.
const codeNoNeedToChangeMargin = -4046

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// APIError is a non-2xx response. Code and Msg are filled when the body is the
// usual {"code":..,"msg":..} envelope.
type APIError struct {
	Method string
	Path   string
	Status int
	Code   int
	Msg    string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance usdt futures %s %s status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func newAPIError(method, path string, status int, body []byte) *APIError {
	e := &APIError{Method: method, Path: path, Status: status, Body: string(body)}
	var env struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if json.Unmarshal(body, &env) == nil {
		e.Code = env.Code
		e.Msg = env.Msg
	}
	return e
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}
