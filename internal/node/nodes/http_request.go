package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nodeflow-io/nodeflow/internal/node/runtime"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPRequestNode performs one HTTP request per input item and emits one
// item per request with {statusCode, headers, body}. A non-2xx status is
// still a successful emission; only transport failures are node errors.
type HTTPRequestNode struct {
	client *http.Client
}

// NewHTTPRequestNode creates a new HttpRequest node with a shared client.
func NewHTTPRequestNode() *HTTPRequestNode {
	return &HTTPRequestNode{client: &http.Client{}}
}

// Descriptor returns the node descriptor.
func (n *HTTPRequestNode) Descriptor() runtime.Descriptor {
	return runtime.Descriptor{
		Type:        "http_request",
		Name:        "HTTP Request",
		Description: "Perform an HTTP request per input item",
		Inputs:      runtime.ExactlyN(1),
		Outputs:     []string{"main"},
		Properties: []runtime.PropertyDefinition{
			{Name: "url", Type: "string", Required: true, Description: "Request URL, may contain expressions"},
			{Name: "method", Type: "select", Default: "GET", Options: []runtime.PropertyOption{
				{Label: "GET", Value: "GET"},
				{Label: "POST", Value: "POST"},
				{Label: "PUT", Value: "PUT"},
				{Label: "PATCH", Value: "PATCH"},
				{Label: "DELETE", Value: "DELETE"},
			}},
			{Name: "headers", Type: "json", Description: "List of {name, value} headers"},
			{Name: "body", Type: "json", Description: "Request body, string or JSON object"},
			{Name: "responseType", Type: "select", Default: "json", Options: []runtime.PropertyOption{
				{Label: "JSON", Value: "json"},
				{Label: "Text", Value: "text"},
			}},
			{Name: "timeoutMs", Type: "number", Default: 30000, Description: "Per-request timeout"},
		},
		RequiredParams: []string{"url"},
	}
}

// Execute issues the requests sequentially, one per input item. URL,
// headers and body are resolved per item so expressions can reference the
// item being processed.
func (n *HTTPRequestNode) Execute(ctx context.Context, in *runtime.Input) (*runtime.Result, error) {
	responseType := getStringConfig(in.Params, "responseType", "json")
	timeout := defaultHTTPTimeout
	if ms := getIntConfig(in.Params, "timeoutMs", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	items := in.Items
	if len(items) == 0 {
		items = []model.Item{model.NewItem(nil)}
	}

	out := make([]model.Item, 0, len(items))
	for i := range items {
		item, err := n.requestForItem(ctx, in, i, responseType, timeout)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return runtime.Single(out), nil
}

func (n *HTTPRequestNode) requestForItem(ctx context.Context, in *runtime.Input, itemIndex int, responseType string, timeout time.Duration) (model.Item, error) {
	urlVal, err := in.ResolveFor("url", itemIndex)
	if err != nil {
		return model.Item{}, err
	}
	url := toString(urlVal)
	if url == "" {
		return model.Item{}, fmt.Errorf("url resolved to an empty string")
	}

	methodVal, err := in.ResolveFor("method", itemIndex)
	if err != nil {
		return model.Item{}, err
	}
	method := toString(methodVal)
	if method == "" {
		method = http.MethodGet
	}

	bodyVal, err := in.ResolveFor("body", itemIndex)
	if err != nil {
		return model.Item{}, err
	}
	bodyReader, contentType, err := encodeBody(bodyVal)
	if err != nil {
		return model.Item{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, bodyReader)
	if err != nil {
		return model.Item{}, fmt.Errorf("%w: %v", runtime.ErrTransport, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	headersVal, err := in.ResolveFor("headers", itemIndex)
	if err != nil {
		return model.Item{}, err
	}
	if headers, ok := headersVal.([]interface{}); ok {
		for _, h := range headers {
			header, ok := h.(map[string]interface{})
			if !ok {
				continue
			}
			name := getStringConfig(header, "name", "")
			if name != "" {
				req.Header.Set(name, toString(header["value"]))
			}
		}
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return model.Item{}, fmt.Errorf("%w: %v", runtime.ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Item{}, fmt.Errorf("%w: reading response: %v", runtime.ErrTransport, err)
	}

	var body interface{} = string(raw)
	if responseType == "json" && len(raw) > 0 {
		var parsed interface{}
		if json.Unmarshal(raw, &parsed) == nil {
			body = parsed
		}
	}

	respHeaders := make(map[string]interface{}, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	return model.NewItem(map[string]interface{}{
		"statusCode": float64(resp.StatusCode),
		"headers":    respHeaders,
		"body":       body,
	}), nil
}

func encodeBody(v interface{}) (io.Reader, string, error) {
	switch body := v.(type) {
	case nil:
		return nil, "", nil
	case string:
		if body == "" {
			return nil, "", nil
		}
		return bytes.NewBufferString(body), "", nil
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, "", fmt.Errorf("encoding request body: %w", err)
		}
		return bytes.NewBuffer(data), "application/json", nil
	default:
		return bytes.NewBufferString(toString(body)), "", nil
	}
}
