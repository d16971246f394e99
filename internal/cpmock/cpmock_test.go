package cpmock

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/dgnsrekt/plugin_bridge/internal/controlplane"
	"github.com/dgnsrekt/plugin_bridge/internal/types"
)

func newClient(t *testing.T, key string) (*Server, *controlplane.Client) {
	t.Helper()
	mock := New("secret")
	srv := httptest.NewServer(mock)
	t.Cleanup(srv.Close)
	return mock, controlplane.NewClient(srv.URL+Prefix+"/", key, srv.Client())
}

func TestGetSessions(t *testing.T) {
	mock, client := newClient(t, "secret")
	mock.PutSession("1700000000000-1", `{"url":"ws://a.test/"}`)
	if err := mock.CompleteSession("1700000000000-1", 123); err != nil {
		t.Fatalf("CompleteSession() error = %v", err)
	}

	entries, err := client.GetSessions(context.Background(), []string{"1700000000000-1"}, []string{"1700000000000-2"})
	if err != nil {
		t.Fatalf("GetSessions() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("GetSessions() = %d entries; want 2", len(entries))
	}
	if entries[0].ID != "1700000000000-1" || gjson.GetBytes(entries[0].Raw, "endTime").Int() != 123 {
		t.Fatalf("entries[0] = %s %s; want completed session", entries[0].ID, entries[0].Raw)
	}
	if gjson.GetBytes(entries[0].Raw, "url").String() != "ws://a.test/" {
		t.Fatalf("entries[0] lost url: %s", entries[0].Raw)
	}
	if string(entries[1].Raw) != "null" {
		t.Fatalf("entries[1].Raw = %s; want null", entries[1].Raw)
	}
	if got := mock.Calls(controlplane.PathGetSession); got != 1 {
		t.Fatalf("Calls(get-session) = %d; want 1", got)
	}
}

func TestAuthRequired(t *testing.T) {
	_, client := newClient(t, "wrong")
	_, err := client.GetSessions(context.Background(), []string{"1700000000000-1"}, nil)
	var coded *controlplane.CodedError
	if !errors.As(err, &coded) || coded.Code != controlplane.CodeStatus {
		t.Fatalf("GetSessions() error = %v; want STATUS", err)
	}
}

func TestGetFramesPaging(t *testing.T) {
	mock, client := newClient(t, "secret")
	id := "1700000000000-1"
	mock.PutSession(id, `{}`)

	page, err := client.GetFrames(context.Background(), id, "")
	if err != nil {
		t.Fatalf("GetFrames() error = %v", err)
	}
	if page.Closed || len(page.Frames) != 0 {
		t.Fatalf("GetFrames() = %+v; want open empty page", page)
	}

	mock.AppendFrames(id,
		&types.Frame{FrameID: "1700000000001-1001", Base64: "aGk="},
		&types.Frame{FrameID: "1700000000001-1002", Base64: "eW8="},
	)
	mock.CloseFrames(id, "1700000000001-1003")

	page, err = client.GetFrames(context.Background(), id, "1700000000001-1001")
	if err != nil {
		t.Fatalf("GetFrames() error = %v", err)
	}
	if len(page.Frames) != 2 || page.Frames[0].Body() != "yo" || !page.Frames[1].Ends() {
		t.Fatalf("GetFrames() frames = %+v; want yo and closing marker", page.Frames)
	}
	if page.Frames[0].ReqID != id {
		t.Fatalf("frame ReqID = %q; want %q", page.Frames[0].ReqID, id)
	}

	mock.RemoveSession(id)
	page, err = client.GetFrames(context.Background(), id, "")
	if err != nil {
		t.Fatalf("GetFrames() error = %v", err)
	}
	if !page.Closed {
		t.Fatalf("GetFrames() after RemoveSession = %+v; want closed", page)
	}
}

func TestCustomFrames(t *testing.T) {
	mock, client := newClient(t, "secret")
	mock.SetDirective("1700000000000-1", controlplane.Directive{
		SendStatus: 1,
		ToClient:   []types.InjectedFrame{{Base64: "aGk="}},
	})
	mock.Destroy("1700000000000-2")

	frames := []*types.Frame{{FrameID: "1700000000001-1001", ReqID: "1700000000000-1", Base64: "aGk="}}
	ids := []string{"1700000000000-1", "1700000000000-2", "1700000000000-3"}
	got, err := client.CustomFrames(context.Background(), ids, frames)
	if err != nil {
		t.Fatalf("CustomFrames() error = %v", err)
	}
	if d := got["1700000000000-1"]; d == nil || d.SendStatus != 1 || len(d.ToClient) != 1 {
		t.Fatalf("directive 1 = %+v; want pause with one injected frame", d)
	}
	if d, ok := got["1700000000000-2"]; !ok || d != nil {
		t.Fatalf("directive 2 = %+v, %v; want present null", d, ok)
	}
	if d := got["1700000000000-3"]; d == nil || d.SendStatus != 0 {
		t.Fatalf("directive 3 = %+v; want default directive", d)
	}
	if r := mock.Received(); len(r) != 1 || r[0].FrameID != "1700000000001-1001" {
		t.Fatalf("Received() = %+v; want posted frame", r)
	}

	got, err = client.CustomFrames(context.Background(), ids[:1], nil)
	if err != nil {
		t.Fatalf("CustomFrames() error = %v", err)
	}
	if d := got["1700000000000-1"]; d == nil || d.SendStatus != 1 || len(d.ToClient) != 0 {
		t.Fatalf("second directive = %+v; want status kept, frames delivered once", d)
	}
}

func TestFail(t *testing.T) {
	mock, client := newClient(t, "secret")
	mock.Fail(2)

	for i := 0; i < 2; i++ {
		if _, err := client.CustomFrames(context.Background(), nil, nil); err == nil {
			t.Fatalf("call %d succeeded; want injected failure", i)
		}
	}
	if _, err := client.CustomFrames(context.Background(), nil, nil); err != nil {
		t.Fatalf("third call error = %v; want success", err)
	}
	if got := mock.Calls(controlplane.PathCustomFrames); got != 3 {
		t.Fatalf("Calls(custom-frames) = %d; want 3", got)
	}
}

func TestNumericKey(t *testing.T) {
	mock := New("")
	mock.PutSession("42", `{"ok":true}`)
	rec := httptest.NewRecorder()
	mock.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, Prefix+"/get-session?reqList=%5B%2242%22%5D&resList=%5B%5D", nil))
	if !gjson.Get(rec.Body.String(), "42.ok").Bool() || !gjson.Parse(rec.Body.String()).IsObject() {
		t.Fatalf("get-session body = %s; want object keyed by 42", rec.Body.String())
	}
}
