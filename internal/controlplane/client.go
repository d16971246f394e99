// Package controlplane is the HTTP client for the proxy's session and frame
// API.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dgnsrekt/plugin_bridge/internal/types"
)

// AuthHeader carries the shared key on every control-plane call.
const AuthHeader = "x-whistle-auth-key"

// Endpoint paths relative to the base URL.
const (
	PathGetSession   = "get-session"
	PathGetFrames    = "get-frames"
	PathCustomFrames = "custom-frames"
)

const maxResponseBytes = 64 << 20

// BaseURL returns the control-plane base URL for the proxy UI port.
func BaseURL(uiPort int) string {
	return "http://127.0.0.1:" + strconv.Itoa(uiPort) + "/cgi-bin/"
}

// Client calls the control plane.
type Client struct {
	baseURL string
	authKey string
	http    *http.Client
}

// NewClient creates a client. A nil httpClient uses a client with a 30s
// timeout.
func NewClient(baseURL, authKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Client{baseURL: baseURL, authKey: authKey, http: httpClient}
}

// SessionEntry is one id/session pair of a get-session response, in response
// order. Raw is the session JSON as returned, possibly null or a scalar.
type SessionEntry struct {
	ID  string
	Raw json.RawMessage
}

// GetSessions fetches sessions for request-phase and response-phase ids.
func (c *Client) GetSessions(ctx context.Context, reqList, resList []string) ([]SessionEntry, error) {
	query := url.Values{}
	query.Set("reqList", jsonList(reqList))
	query.Set("resList", jsonList(resList))

	body, err := c.do(ctx, http.MethodGet, PathGetSession, query, nil)
	if err != nil {
		return nil, err
	}
	result, err := parseObject(PathGetSession, body)
	if err != nil {
		return nil, err
	}

	var entries []SessionEntry
	result.ForEach(func(key, value gjson.Result) bool {
		entries = append(entries, SessionEntry{ID: key.String(), Raw: json.RawMessage(value.Raw)})
		return true
	})
	return entries, nil
}

// FramesPage is one page of frames for a request. Closed is set when the
// control plane reports no frame list, meaning the session is gone.
type FramesPage struct {
	Frames []*types.Frame
	Closed bool
}

// GetFrames fetches frames newer than lastFrameID.
func (c *Client) GetFrames(ctx context.Context, curReqID, lastFrameID string) (FramesPage, error) {
	query := url.Values{}
	query.Set("curReqId", curReqID)
	query.Set("lastFrameId", lastFrameID)

	body, err := c.do(ctx, http.MethodGet, PathGetFrames, query, nil)
	if err != nil {
		return FramesPage{}, err
	}
	if _, err := parseObject(PathGetFrames, body); err != nil {
		return FramesPage{}, err
	}

	var resp struct {
		Frames *[]*types.Frame `json:"frames"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return FramesPage{}, newError(CodeMalformed, PathGetFrames, err)
	}
	if resp.Frames == nil {
		return FramesPage{Closed: true}, nil
	}
	frames := make([]*types.Frame, 0, len(*resp.Frames))
	for _, frame := range *resp.Frames {
		if frame != nil {
			frames = append(frames, frame)
		}
	}
	return FramesPage{Frames: frames}, nil
}

// Directive is the control plane's instruction for one custom-parser
// connection.
type Directive struct {
	SendStatus    int                   `json:"sendStatus"`
	ReceiveStatus int                   `json:"receiveStatus"`
	ToClient      []types.InjectedFrame `json:"toClient,omitempty"`
	ToServer      []types.InjectedFrame `json:"toServer,omitempty"`
}

// CustomFrames posts the live parser ids and a batch of captured frames.
// The result maps request ids to directives; a nil directive means the
// connection should be destroyed.
func (c *Client) CustomFrames(ctx context.Context, idList []string, frames []*types.Frame) (map[string]*Directive, error) {
	if idList == nil {
		idList = []string{}
	}
	if frames == nil {
		frames = []*types.Frame{}
	}
	payload := struct {
		IDList []string       `json:"idList"`
		Frames []*types.Frame `json:"frames"`
	}{IDList: idList, Frames: frames}

	body, err := c.do(ctx, http.MethodPost, PathCustomFrames, nil, payload)
	if err != nil {
		return nil, err
	}
	parsed, err := parseObject(PathCustomFrames, body)
	if err != nil {
		return nil, err
	}

	// Entries are read one by one so a bad field only costs that field.
	result := make(map[string]*Directive)
	parsed.ForEach(func(key, value gjson.Result) bool {
		switch {
		case value.Type == gjson.Null:
			result[key.String()] = nil
		case value.IsObject():
			result[key.String()] = &Directive{
				SendStatus:    statusField(value.Get("sendStatus")),
				ReceiveStatus: statusField(value.Get("receiveStatus")),
				ToClient:      injectedFrames(value.Get("toClient")),
				ToServer:      injectedFrames(value.Get("toServer")),
			}
		}
		return true
	})
	return result, nil
}

func statusField(value gjson.Result) int {
	if value.Type != gjson.Number {
		return 0
	}
	return int(value.Int())
}

// injectedFrames keeps the elements that carry a string base64 payload.
func injectedFrames(value gjson.Result) []types.InjectedFrame {
	if !value.IsArray() {
		return nil
	}
	var frames []types.InjectedFrame
	value.ForEach(func(_, el gjson.Result) bool {
		if b64 := el.Get("base64"); b64.Type == gjson.String {
			frames = append(frames, types.InjectedFrame{Base64: b64.String(), Binary: el.Get("binary").Bool()})
		}
		return true
	})
	return frames
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("controlplane: marshal %s: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, newError(CodeTransport, path, err)
	}
	req.Header.Set(AuthHeader, c.authKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, newError(CodeTransport, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, newError(CodeTransport, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newError(CodeStatus, fmt.Sprintf("%s: status=%d", path, resp.StatusCode), nil)
	}
	return data, nil
}

func parseObject(path string, body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, newError(CodeMalformed, path+": invalid json", nil)
	}
	result := gjson.ParseBytes(body)
	if !result.IsObject() {
		return gjson.Result{}, newError(CodeMalformed, path+": expected object", nil)
	}
	return result, nil
}

func jsonList(ids []string) string {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(data)
}
