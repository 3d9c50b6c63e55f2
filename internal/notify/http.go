package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/NPNMD/KinConnectSurface-sub017/pkg/circuitbreaker"
)

// HTTPNotifier POSTs requests to the Notification Service, guarded by a
// circuit breaker so a degraded service sheds load instead of piling up
// dispatch workers.
type HTTPNotifier struct {
	endpoint string
	client   *http.Client
	breaker  *circuitbreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewHTTPNotifier creates the dispatch client.
func NewHTTPNotifier(endpoint string, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *HTTPNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPNotifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		breaker:  breaker,
		logger:   logger,
	}
}

type sendResponse struct {
	Sent int `json:"sent"`
}

// Send implements Notifier.
func (n *HTTPNotifier) Send(ctx context.Context, req Request) (int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, err
	}

	result, err := n.breaker.Execute(ctx, func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("notification service returned %d", resp.StatusCode)
		}
		var out sendResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, err
		}
		return out.Sent, nil
	})
	if err != nil {
		return 0, err
	}
	sent, _ := result.(int)
	n.logger.Debug("notification dispatched",
		zap.String("patient_id", req.PatientID),
		zap.Int("sent", sent))
	return sent, nil
}
