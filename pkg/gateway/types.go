package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrNoToken       = errors.New("gateway: login response carried no token")
	ErrLoginRejected = errors.New("gateway: login rejected")
)

// StatusError is returned when the gateway answers with a non-2xx status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gateway: %s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("gateway: %s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// TransactionError is a transaction rejected by the gateway with a 2xx status
// and a populated error field.
type TransactionError struct {
	Message string
	Data    string
}

func (e *TransactionError) Error() string {
	if e.Data == "" {
		return "gateway: transaction failed: " + e.Message
	}
	return fmt.Sprintf("gateway: transaction failed: %s (%s)", e.Message, e.Data)
}

type Credentials struct {
	Username string `json:"username"`
	OrgName  string `json:"orgName"`
}

type loginResponse struct {
	Success *bool  `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
	Token   string `json:"token"`
}

// Invocation is the body the gateway expects on a chaincode invoke.
type Invocation struct {
	Fcn           string   `json:"fcn"`
	ChaincodeName string   `json:"chaincodeName"`
	ChannelName   string   `json:"channelName"`
	Args          []string `json:"args"`
}

type Result struct {
	Result    any    `json:"result"`
	Error     any    `json:"error"`
	ErrorData any    `json:"errorData"`
	RequestID string `json:"-"`
}

// TxID returns the result field as a string when the chaincode returned one.
func (r *Result) TxID() string {
	if s, ok := r.Result.(string); ok {
		return s
	}
	return ""
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
