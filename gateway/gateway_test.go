package gateway

import (
	"context"

	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/imagewire/pacsbridge/cluster"
	"github.com/imagewire/pacsbridge/config"
	"github.com/imagewire/pacsbridge/log"
	"github.com/imagewire/pacsbridge/types"
	"github.com/imagewire/pacsbridge/wire"
)

const (
	testSecret = "test-secret"
	testIssuer = "imagewire"
)

func testConfig(mode config.AuthMode) *config.Config {
	cfg := &config.Config{}
	cfg.Auth.Secret = testSecret
	cfg.Auth.Issuer = testIssuer
	cfg.Auth.Mode = mode
	if mode == config.AuthModeFallback {
		cfg.Auth.DefaultTenant = "default-tenant"
	}
	cfg.ApplyDefaults()
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	s := New(cfg, log.NewNop(), cluster.NewLocalBus())
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, ts
}

func signToken(t *testing.T, issuer, tenant string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":            issuer,
		"websocketToken": tenant,
		"exp":            time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return signed
}

// testWorker is a websocket client standing in for the remote site's
// worker process.
type testWorker struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialWorker(t *testing.T, ts *httptest.Server, token string) *testWorker {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/viewer/ws?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("worker dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return &testWorker{t: t, ws: ws}
}

func (w *testWorker) read() any {
	w.t.Helper()
	_ = w.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := w.ws.ReadMessage()
	if err != nil {
		w.t.Fatalf("worker read: %v", err)
	}
	decoded, err := wire.Decode(payload)
	if err != nil {
		w.t.Fatalf("worker decode: %v", err)
	}
	return decoded
}

func (w *testWorker) readCall() *wire.CallFrame {
	w.t.Helper()
	call, ok := w.read().(*wire.CallFrame)
	if !ok {
		w.t.Fatal("worker expected a call envelope")
	}
	return call
}

func (w *testWorker) send(payload []byte, err error) {
	w.t.Helper()
	if err != nil {
		w.t.Fatalf("worker encode: %v", err)
	}
	if err := w.ws.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		w.t.Fatalf("worker write: %v", err)
	}
}

func doGet(t *testing.T, ts *httptest.Server, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, ts.URL+path, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestQueryRoundtrip(t *testing.T) {
	_, ts := newTestServer(t, testConfig(config.AuthModeStrict))
	worker := dialWorker(t, ts, "tenant-a")

	go func() {
		call := worker.readCall()
		worker.send(wire.EncodeReply(&wire.ReplyFrame{
			CorrelationID: call.CorrelationID,
			Success:       true,
			Data: []any{
				map[string]any{"StudyInstanceUID": "1.2.3"},
			},
		}))
	}()

	resp := doGet(t, ts, "/viewer/rs/studies?PatientID=P-1", signToken(t, testIssuer, "tenant-a"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/dicom+json" {
		t.Errorf("content type = %q", ct)
	}
	var studies []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&studies); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(studies) != 1 || studies[0]["StudyInstanceUID"] != "1.2.3" {
		t.Errorf("body = %v", studies)
	}
}

func TestQueryCarriesLevelAndIdentifiers(t *testing.T) {
	_, ts := newTestServer(t, testConfig(config.AuthModeStrict))
	worker := dialWorker(t, ts, "tenant-a")

	calls := make(chan *wire.CallFrame, 1)
	go func() {
		call := worker.readCall()
		calls <- call
		worker.send(wire.EncodeReply(&wire.ReplyFrame{
			CorrelationID: call.CorrelationID,
			Success:       true,
		}))
	}()

	resp := doGet(t, ts, "/viewer/rs/studies/1.2.3/series/4.5.6/instances",
		signToken(t, testIssuer, "tenant-a"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	call := <-calls
	if call.Kind != types.KindQido || call.Level != types.LevelImage {
		t.Errorf("call = %s/%s, want qido/IMAGE", call.Kind, call.Level)
	}
	if call.Query["StudyInstanceUID"] != "1.2.3" || call.Query["SeriesInstanceUID"] != "4.5.6" {
		t.Errorf("query = %v", call.Query)
	}
}

func TestWrongIssuerRejectedBeforeDispatch(t *testing.T) {
	_, ts := newTestServer(t, testConfig(config.AuthModeStrict))
	dialWorker(t, ts, "tenant-a")

	resp := doGet(t, ts, "/viewer/rs/studies", signToken(t, "someone-else", "tenant-a"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "token not valid") {
		t.Errorf("body = %s", body)
	}
}

func TestMissingTokenStrictModeRejects(t *testing.T) {
	_, ts := newTestServer(t, testConfig(config.AuthModeStrict))
	dialWorker(t, ts, "tenant-a")

	resp := doGet(t, ts, "/viewer/rs/studies", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestMissingTokenFallbackModeSubstitutesDefault(t *testing.T) {
	_, ts := newTestServer(t, testConfig(config.AuthModeFallback))
	worker := dialWorker(t, ts, "default-tenant")

	go func() {
		call := worker.readCall()
		worker.send(wire.EncodeReply(&wire.ReplyFrame{
			CorrelationID: call.CorrelationID,
			Success:       true,
		}))
	}()

	resp := doGet(t, ts, "/viewer/rs/studies", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestNoLiveConnectionRejects(t *testing.T) {
	_, ts := newTestServer(t, testConfig(config.AuthModeStrict))

	resp := doGet(t, ts, "/viewer/rs/studies", signToken(t, testIssuer, "tenant-a"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRetrieveSucceedsOnThirdAttempt(t *testing.T) {
	_, ts := newTestServer(t, testConfig(config.AuthModeStrict))
	worker := dialWorker(t, ts, "tenant-a")

	ids := make(chan string, 3)
	go func() {
		// Two failed attempts, then a streamed success.
		for i := 0; i < 2; i++ {
			call := worker.readCall()
			ids <- call.CorrelationID
			worker.send(wire.EncodeReply(&wire.ReplyFrame{
				CorrelationID: call.CorrelationID,
				Success:       false,
				Error:         "transient pacs error",
			}))
		}
		call := worker.readCall()
		ids <- call.CorrelationID
		worker.send(wire.EncodeReply(&wire.ReplyFrame{
			CorrelationID: call.CorrelationID,
			Success:       true,
			Stream:        true,
			ContentType:   "application/dicom",
		}))
		worker.send(wire.EncodeChunk(&wire.ChunkFrame{
			CorrelationID: call.CorrelationID, Seq: 1, IsLast: true, Data: []byte("dicom-bytes"),
		}))
	}()

	resp := doGet(t, ts, "/viewer/rs/studies/1.2.3", signToken(t, testIssuer, "tenant-a"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "dicom-bytes" {
		t.Errorf("body = %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/dicom" {
		t.Errorf("content type = %q", ct)
	}

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		seen[<-ids] = true
	}
	if len(seen) != 3 {
		t.Errorf("attempts shared correlation ids: %v", seen)
	}
}

func TestRetriesExhaustedIs500(t *testing.T) {
	_, ts := newTestServer(t, testConfig(config.AuthModeStrict))
	worker := dialWorker(t, ts, "tenant-a")

	ids := make(chan string, 3)
	go func() {
		for i := 0; i < 3; i++ {
			call := worker.readCall()
			ids <- call.CorrelationID
			worker.send(wire.EncodeReply(&wire.ReplyFrame{
				CorrelationID: call.CorrelationID,
				Success:       false,
				Error:         "persistent pacs error",
			}))
		}
	}()

	resp := doGet(t, ts, "/viewer/rs/studies/1.2.3", signToken(t, testIssuer, "tenant-a"))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}

	// The body names the call kind and the last attempt's correlation
	// id so the failure can be traced through the logs.
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), string(types.KindWado)) {
		t.Errorf("body = %s, want the call kind in it", body)
	}
	var lastID string
	for i := 0; i < 3; i++ {
		lastID = <-ids
	}
	if !strings.Contains(string(body), lastID) {
		t.Errorf("body = %s, want correlation id %s in it", body, lastID)
	}
}

func TestStowRoundtrip(t *testing.T) {
	s, ts := newTestServer(t, testConfig(config.AuthModeStrict))
	worker := dialWorker(t, ts, "tenant-a")
	body := bytes.Repeat([]byte{0x11}, 600*1024)

	go func() {
		call := worker.readCall()
		if call.Kind != types.KindStow {
			worker.t.Errorf("kind = %s, want stow", call.Kind)
		}
		var got []byte
		for {
			chunk, ok := worker.read().(*wire.ChunkFrame)
			if !ok {
				worker.t.Error("worker expected a chunk frame")
				return
			}
			got = append(got, chunk.Data...)
			if chunk.IsLast {
				break
			}
		}
		if len(got) != len(body) {
			worker.t.Errorf("reassembled %d bytes, want %d", len(got), len(body))
		}
		worker.send(wire.EncodeReply(&wire.ReplyFrame{
			CorrelationID: call.CorrelationID,
			Success:       true,
			Data:          map[string]any{"instances": int8(1)},
		}))
	}()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost,
		ts.URL+"/viewer/rs/studies", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+signToken(t, testIssuer, "tenant-a"))
	req.Header.Set("Content-Type", "multipart/related; boundary=x")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	uploaded := testutil.ToFloat64(s.metrics.StreamBytesTotal.WithLabelValues("upload"))
	if int(uploaded) != len(body) {
		t.Errorf("upload bytes metric = %v, want %d", uploaded, len(body))
	}
}

func TestStowBodyLimit(t *testing.T) {
	cfg := testConfig(config.AuthModeStrict)
	cfg.Server.BodyLimit = 1024
	_, ts := newTestServer(t, cfg)
	dialWorker(t, ts, "tenant-a")

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost,
		ts.URL+"/viewer/rs/studies", bytes.NewReader(make([]byte, 4096)))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+signToken(t, testIssuer, "tenant-a"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
}

func TestWadoURIFlatQuery(t *testing.T) {
	_, ts := newTestServer(t, testConfig(config.AuthModeStrict))
	worker := dialWorker(t, ts, "tenant-a")

	calls := make(chan *wire.CallFrame, 1)
	go func() {
		call := worker.readCall()
		calls <- call
		worker.send(wire.EncodeReply(&wire.ReplyFrame{
			CorrelationID: call.CorrelationID,
			Success:       true,
			Data:          []byte("single-object"),
			ContentType:   "application/dicom",
		}))
	}()

	resp := doGet(t, ts, "/viewer/wadouri?requestType=WADO&studyUID=1.2.3&objectUID=7.8.9",
		signToken(t, testIssuer, "tenant-a"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "single-object" {
		t.Errorf("body = %q", body)
	}

	call := <-calls
	if call.Kind != types.KindWadoURI {
		t.Errorf("kind = %s, want wadouri", call.Kind)
	}
	if call.Query["studyUID"] != "1.2.3" || call.Query["objectUID"] != "7.8.9" {
		t.Errorf("query = %v", call.Query)
	}
}

func TestClosedModeRejectsWrongWorkerToken(t *testing.T) {
	cfg := testConfig(config.AuthModeStrict)
	cfg.Auth.WorkerToken = "shared-secret"
	_, ts := newTestServer(t, cfg)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/viewer/ws?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("handshake with the wrong worker token must fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("handshake response = %v", resp)
	}
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, testConfig(config.AuthModeStrict))
	resp := doGet(t, ts, "/viewer/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := testConfig(config.AuthModeStrict)
	cfg.Metrics.Enabled = true
	_, ts := newTestServer(t, cfg)

	resp := doGet(t, ts, "/viewer/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("metrics output should include the Go collector")
	}
}
