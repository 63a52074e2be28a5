package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flomonster/sentryhub/internal/relay"
)

// relayBrowserRouter implements BrowserToolRouter against the shell relay
// broker: it picks one subscribed client for hubAgentID, delivers a
// dom/view_state/runjs request, and waits on the broker's pending-response
// table for the matching result (spec §4.8 item 1, §4.6).
type relayBrowserRouter struct {
	broker  *relay.Broker
	timeout time.Duration
}

// NewBrowserToolRouter creates a BrowserToolRouter backed by broker.
func NewBrowserToolRouter(broker *relay.Broker, timeout time.Duration) BrowserToolRouter {
	if timeout <= 0 {
		timeout = relay.DefaultToolTimeout
	}
	return &relayBrowserRouter{broker: broker, timeout: timeout}
}

type browserToolRequest struct {
	RequestID string          `json:"requestId"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input"`
}

// RouteToBrowser dispatches tool to one subscribed browser client for
// hubAgentID. It reports ok=false, not an error, when nobody is subscribed,
// so the caller can degrade per spec §9's resolved Open Question instead of
// blocking the hub agent indefinitely.
func (r *relayBrowserRouter) RouteToBrowser(ctx context.Context, hubAgentID, tool string, input json.RawMessage) (string, bool, bool, error) {
	subscribers := r.broker.SubscribersOf(hubAgentID)
	if len(subscribers) == 0 {
		return "", false, false, nil
	}

	requestID := relay.NewRequestID(hubAgentID)
	payload, err := json.Marshal(browserToolRequest{RequestID: requestID, Tool: tool, Input: input})
	if err != nil {
		return "", true, true, fmt.Errorf("hub: marshal browser tool request: %w", err)
	}

	ch := r.broker.Dispatch(ctx, requestID, "browser_tool:"+tool, r.timeout)
	if err := r.broker.DeliverToAgent(subscribers[0], "browser_tool_request", payload); err != nil {
		return "", true, true, err
	}

	select {
	case resp := <-ch:
		if resp.IsError {
			if resp.Err != nil {
				return resp.Err.Error(), true, true, nil
			}
			return string(resp.Result), true, true, nil
		}
		return string(resp.Result), false, true, nil
	case <-ctx.Done():
		return "", true, true, ctx.Err()
	}
}
