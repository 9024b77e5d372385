package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nerrad567/gray-logic-identity/internal/message"
)

// MethodRequest is an inbound direct-method invocation.
type MethodRequest struct {
	// Name is the method name.
	Name string

	// Data is the raw request payload (typically JSON).
	Data []byte

	// ResponseTimeout is the caller's deadline for a response. Zero means
	// the caller did not specify one.
	ResponseTimeout time.Duration
}

// MethodResponse is the reply to a direct method.
type MethodResponse struct {
	Status  int
	Payload []byte
}

// MethodHandler answers a direct method. A returned error becomes a 500
// response carrying the error text.
type MethodHandler func(ctx context.Context, req *MethodRequest) (*MethodResponse, error)

// MessageHandler processes one inbound message. Errors are logged by the
// subscription and do not stop delivery.
type MessageHandler func(ctx context.Context, msg *message.Message) error

// errorBody is the JSON payload of a failed method.
type errorBody struct {
	Message string `json:"message"`
}

// serveMethod runs h for one request and sends the reply. It is always
// called on its own goroutine.
func serveMethod(ctx context.Context, nm *nats.Msg, name string, h MethodHandler, logger Logger) {
	req := &MethodRequest{
		Name:            name,
		Data:            nm.Data,
		ResponseTimeout: timeoutFromHeader(nm.Header),
	}

	if req.ResponseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.ResponseTimeout)
		defer cancel()
	}

	resp, err := h(ctx, req)
	if err != nil {
		logger.Warn("method handler failed", "method", name, "subject", nm.Subject, "error", err)
		body, _ := json.Marshal(errorBody{Message: err.Error()}) //nolint:errcheck // struct of one string cannot fail
		resp = &MethodResponse{Status: http.StatusInternalServerError, Payload: body}
	}
	if resp == nil {
		resp = &MethodResponse{Status: http.StatusOK}
	}

	if nm.Reply == "" {
		return
	}
	reply := nats.NewMsg(nm.Reply)
	reply.Data = resp.Payload
	reply.Header.Set(HeaderMethodStatus, strconv.Itoa(resp.Status))
	if err := nm.RespondMsg(reply); err != nil {
		logger.Error("method response not sent", "method", name, "error", err)
	}
}

// invokeMethod sends a method request to subject and waits for the reply.
func invokeMethod(ctx context.Context, conn *nats.Conn, subject string, req *MethodRequest) (*MethodResponse, error) {
	if conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}

	if req.ResponseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.ResponseTimeout)
		defer cancel()
	}

	nm := nats.NewMsg(subject)
	nm.Data = req.Data
	setTimeoutHeader(nm, req.ResponseTimeout)

	reply, err := conn.RequestMsgWithContext(ctx, nm)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("%w: %s", ErrNoResponder, subject)
		}
		return nil, fmt.Errorf("invoking %s: %w", subject, err)
	}

	status, err := strconv.Atoi(reply.Header.Get(HeaderMethodStatus))
	if err != nil {
		return nil, fmt.Errorf("invoking %s: missing %s header", subject, HeaderMethodStatus)
	}
	return &MethodResponse{Status: status, Payload: reply.Data}, nil
}
