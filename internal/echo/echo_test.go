package echo

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/tidwall/gjson"

	"github.com/dgnsrekt/plugin_bridge/internal/config"
	"github.com/dgnsrekt/plugin_bridge/internal/controlplane"
	"github.com/dgnsrekt/plugin_bridge/internal/cpmock"
	"github.com/dgnsrekt/plugin_bridge/internal/pluginserver"
)

const authKey = "test-key"

func startHost(t *testing.T) (*cpmock.Server, pluginserver.Ports) {
	t.Helper()
	Register()

	mock := cpmock.New(authKey)
	srv := httptest.NewServer(mock)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		PluginName:          "whistle.echo",
		PluginValue:         Name,
		AuthKey:             authKey,
		ControlPlaneURL:     srv.URL + cpmock.Prefix + "/",
		SuccessIntervalMS:   10,
		RetryIntervalMS:     20,
		DrainIntervalMS:     5,
		SessionBatchSize:    100,
		ParserBatchFrames:   10,
		FrameBufferCapacity: 600,
		FrameBufferTrim:     80,
		MaxFrameBytes:       200 * 1024,
		Headers:             config.DefaultHeaders(),
	}
	client := controlplane.NewClient(cfg.BaseURL(), cfg.AuthKey, srv.Client())
	host := pluginserver.New(cfg, client)
	t.Cleanup(func() { host.Close(context.Background()) })

	ports, err := host.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if ports.Port == 0 || ports.TunnelPort == 0 || ports.StatsPort == 0 {
		t.Fatalf("Start() ports = %+v; want server, tunnel and stats", ports)
	}
	return mock, ports
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestReportIncludesSession(t *testing.T) {
	mock, ports := startHost(t)
	mock.PutSession("1700000000000-1", `{"url":"http://a.test/x","req":{"method":"POST"}}`)

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/", ports.Port), nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("x-whistle-req-id", "1700000000000-1")
	req.Header.Set("x-whistle-full-url", "http%3A%2F%2Fa.test%2Fx")
	req.Header.Set("x-whistle-method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()

	var got Report
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if got.ID != "1700000000000-1" || got.URL != "http://a.test/x" || got.Method != "POST" || got.Server != "server" {
		t.Fatalf("report = %+v; want decoded request metadata", got)
	}
	if gjson.GetBytes(got.Session, "req.method").String() != "POST" {
		t.Fatalf("report session = %s; want stored session", got.Session)
	}
	if mock.Calls(controlplane.PathGetSession) == 0 {
		t.Fatalf("get-session was never called")
	}
}

func TestReportWithoutRequestID(t *testing.T) {
	mock, ports := startHost(t)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", ports.Port))
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if gjson.GetBytes(body, "session").Type != gjson.Null {
		t.Fatalf("report = %s; want null session", body)
	}
	if got := mock.Calls(controlplane.PathGetSession); got != 0 {
		t.Fatalf("get-session calls = %d; want 0", got)
	}
}

func TestWebSocketMirrorCapturesFrames(t *testing.T) {
	mock, ports := startHost(t)
	id := "1700000000000-2"

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	dialer := ws.Dialer{Header: ws.HandshakeHeaderHTTP(http.Header{
		"X-Whistle-Req-Id":       []string{id},
		"X-Whistle-Frame-Parser": []string{"1"},
	})}
	conn, _, _, err := dialer.Dial(ctx, fmt.Sprintf("ws://127.0.0.1:%d/", ports.Port))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if err := wsutil.WriteClientText(conn, []byte("hello")); err != nil {
		t.Fatalf("WriteClientText() error = %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, _, err := wsutil.ReadServerData(conn)
	if err != nil {
		t.Fatalf("ReadServerData() error = %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("mirrored = %q; want hello", data)
	}

	waitFor(t, "captured frames", func() bool {
		var client, server bool
		for _, f := range mock.Received() {
			if f.ReqID != id || f.Body() != "hello" {
				continue
			}
			if f.IsClient {
				client = true
			} else {
				server = true
			}
		}
		return client && server
	})
}

func TestTunnelEcho(t *testing.T) {
	_, ports := startHost(t)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", ports.TunnelPort))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))

	fmt.Fprintf(conn, "CONNECT a.test:443 HTTP/1.1\r\nHost: a.test:443\r\nx-whistle-req-id: 1700000000000-3\r\n\r\n")
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		t.Fatalf("ReadResponse() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("CONNECT status = %d; want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Proxy-Agent"); got != "whistle.echo" {
		t.Fatalf("Proxy-Agent = %q; want whistle.echo", got)
	}

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(br, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("echo = %q; want ping", buf)
	}
}
