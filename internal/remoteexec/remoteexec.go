// Package remoteexec implements the HTTP client side of
// execplan.PromQlRemoteExec (spec §4.2, §4.5): serializing a PromQL
// fragment and time range to a remote partition's query endpoint and
// translating its JSON response into RangeVectors.
package remoteexec

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamware/promshard/internal/exec"
	"github.com/dreamware/promshard/internal/execplan"
	"github.com/dreamware/promshard/internal/rangevector"
)

// matrixResponse mirrors Prometheus's `query_range` JSON envelope, the
// wire shape remote partitions in this corpus speak.
type matrixResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Metric map[string]string `json:"metric"`
			Values [][2]interface{}  `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

// Client issues PromQlRemoteExec leaves against a remote partition over
// HTTP. HTTPClient defaults to http.DefaultClient when nil.
type Client struct {
	HTTPClient *http.Client
}

// NewClient builds a remote-execution client using httpClient, or
// http.DefaultClient if nil.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{HTTPClient: httpClient}
}

// Execute calls op.Endpoint with the PromQL fragment and time range,
// returning one RangeVector per series in the response.
func (c *Client) Execute(ctx context.Context, op execplan.PromQlRemoteExec) ([]*rangevector.RangeVector, error) {
	if op.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(op.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	q := url.Values{}
	q.Set("query", op.PromQL)
	q.Set("start", strconv.FormatFloat(float64(op.TimeRange.StartMs)/1000, 'f', 3, 64))
	q.Set("end", strconv.FormatFloat(float64(op.TimeRange.EndMs)/1000, 'f', 3, 64))
	if op.StepMs > 0 {
		q.Set("step", strconv.FormatFloat(float64(op.StepMs)/1000, 'f', 3, 64))
	}
	for k, v := range op.URLParams {
		q.Set(k, v)
	}

	reqURL := op.Endpoint + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "remoteexec: building request")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "remoteexec: request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("remoteexec: remote partition returned status %d", resp.StatusCode)
	}

	var parsed matrixResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(err, "remoteexec: decoding response")
	}
	if parsed.Status != "success" {
		return nil, fmt.Errorf("remoteexec: remote partition reported error: %s", parsed.Error)
	}

	out := make([]*rangevector.RangeVector, 0, len(parsed.Data.Result))
	for _, series := range parsed.Data.Result {
		rows := make([]rangevector.Row, 0, len(series.Values))
		for _, pair := range series.Values {
			ts, ok := pair[0].(float64)
			if !ok {
				continue
			}
			valStr, ok := pair[1].(string)
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(valStr, 64)
			if err != nil {
				continue
			}
			rows = append(rows, rangevector.Row{TimestampMs: int64(ts * 1000), Value: v})
		}
		out = append(out, &rangevector.RangeVector{Key: series.Metric, Rows: rangevector.NewSliceCursor(rows)})
	}
	return out, nil
}

// ExecuteRemote adapts Client to internal/dispatch's RemoteClient interface:
// node.Leaf must be a PromQlRemoteExec, the only leaf shape this planner
// stack ever targets at a non-local partition.
func (c *Client) ExecuteRemote(qs *exec.QuerySession, target execplan.DispatchTarget, node *execplan.Node) (*exec.Result, error) {
	op, ok := node.Leaf.(execplan.PromQlRemoteExec)
	if !ok {
		return nil, exec.NewQueryError(exec.ErrKindInternal, "remote dispatch target %q carries non-remote leaf %T", target.ClusterName, node.Leaf)
	}
	series, err := c.Execute(qs.Ctx, op)
	if err != nil {
		return nil, exec.NewQueryError(exec.ErrKindRemoteError, "partition %q: %v", target.ClusterName, err)
	}
	return &exec.Result{Series: series}, nil
}
