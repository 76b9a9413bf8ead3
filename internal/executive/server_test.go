package executive

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"eva/internal/config"
	"eva/internal/embedding"
	"eva/internal/jobs"
	"eva/internal/memory"
	"eva/internal/model"
	"eva/internal/retrieval"
	"eva/internal/tags"
)

// scriptedModel returns a fixed tool response or error and records the last
// request for prompt assertions.
type scriptedModel struct {
	resp    *model.ToolResponse
	err     error
	lastReq model.ToolRequest
	calls   int
}

func (m *scriptedModel) Complete(ctx context.Context, prompt string) (string, error) {
	return "", errors.New("not used")
}

func (m *scriptedModel) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return "", errors.New("not used")
}

func (m *scriptedModel) CompleteWithTools(ctx context.Context, req model.ToolRequest) (*model.ToolResponse, error) {
	m.lastReq = req
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

func toolCallResponse(name string, input map[string]interface{}) *model.ToolResponse {
	return &model.ToolResponse{
		StopReason: "tool_use",
		ToolCalls:  []model.ToolCall{{ID: "call_0", Name: name, Input: input}},
		Usage:      model.UsageMetadata{InputTokens: 100, OutputTokens: 20, TotalTokens: 120},
	}
}

// testClock is an adjustable millisecond clock.
type testClock struct{ ms int64 }

func (c *testClock) now() int64      { return c.ms }
func (c *testClock) advance(d int64) { c.ms += d }

func newTestServer(t *testing.T, client model.Client) (*Server, *testClock) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Memory.Dir = t.TempDir()
	paths := config.MemoryPaths(cfg.Memory.Dir)

	queue := memory.NewSerialQueue()
	t.Cleanup(queue.Close)

	shortTerm, err := memory.OpenShortTermStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { shortTerm.Close() })
	semantic, err := memory.OpenSemanticStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { semantic.Close() })
	vector, err := memory.OpenVectorStore(":memory:", embedding.NewHashEngine())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { vector.Close() })

	whitelist := tags.NewWhitelist(tags.DefaultWhitelist)
	log := memory.NewWorkingLog(paths.WorkingLog)
	clock := &testClock{ms: 1700000000000}

	s := &Server{
		Config:    cfg,
		Paths:     paths,
		Client:    client,
		Queue:     queue,
		Log:       log,
		ShortTerm: shortTerm,
		Semantic:  semantic,
		Vector:    vector,
		Tone:      memory.NewToneCache(paths.ToneCache),
		Whitelist: whitelist,
		Retrieval: &retrieval.Assembler{
			Semantic:  semantic,
			Vector:    vector,
			ShortTerm: shortTerm,
			Whitelist: whitelist,
		},
		Compactor: &jobs.Compactor{Log: log, Queue: queue, ShortTerm: shortTerm, Client: client},
		Promoter: &jobs.Promoter{
			Queue:                queue,
			ShortTerm:            shortTerm,
			Semantic:             semantic,
			Vector:               vector,
			Whitelist:            whitelist,
			Timezone:             time.UTC,
			ExperienceCachePath:  paths.ExperienceCache,
			PersonalityCachePath: paths.PersonalityCache,
		},
		JobState: jobs.NewState(),
		Now:      clock.now,
	}
	return s, clock
}

func postJSON(t *testing.T, s *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("Response is not JSON: %v\n%s", err, w.Body.String())
	}
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, w)
	e, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("No error envelope in %s", w.Body.String())
	}
	code, _ := e["code"].(string)
	return code
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &scriptedModel{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	mem, _ := body["memory"].(map[string]interface{})
	if mem["dir"] != s.Paths.Dir {
		t.Errorf("memory.dir = %v", mem["dir"])
	}
	guard, _ := body["guardrails"].(map[string]interface{})
	if guard["max_concepts"].(float64) != 6 {
		t.Errorf("guardrails.max_concepts = %v", guard["max_concepts"])
	}
}

func TestContentTypeGuard(t *testing.T) {
	s, _ := newTestServer(t, &scriptedModel{})
	req := httptest.NewRequest(http.MethodPost, "/respond", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("Status = %d", w.Code)
	}
	if code := errorCode(t, w); code != "UNSUPPORTED_CONTENT_TYPE" {
		t.Errorf("code = %s", code)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	s, _ := newTestServer(t, &scriptedModel{})
	s.Config.Server.MaxBodyBytes = 64

	big := `{"text":"` + strings.Repeat("a", 200) + `"}`
	w := postJSON(t, s, "/respond", big)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("Status = %d", w.Code)
	}
	if code := errorCode(t, w); code != "PAYLOAD_TOO_LARGE" {
		t.Errorf("code = %s", code)
	}
}

func TestEmptyAndInvalidBody(t *testing.T) {
	s, _ := newTestServer(t, &scriptedModel{})

	w := postJSON(t, s, "/respond", "")
	if w.Code != http.StatusBadRequest || errorCode(t, w) != "EMPTY_BODY" {
		t.Errorf("Empty body: status=%d code=%s", w.Code, errorCode(t, w))
	}

	w = postJSON(t, s, "/respond", "{not json")
	if w.Code != http.StatusBadRequest || errorCode(t, w) != "INVALID_JSON" {
		t.Errorf("Invalid JSON: status=%d code=%s", w.Code, errorCode(t, w))
	}
}

func TestJobsRunCompaction(t *testing.T) {
	client := &scriptedModel{resp: toolCallResponse(model.ToolCommitCompaction, map[string]interface{}{
		"bullets": []interface{}{"one thing happened", "another thing happened", "a third thing happened"},
	})}
	s, clock := newTestServer(t, client)

	// Seed an aged entry so compaction has work.
	if err := s.Log.Append([]*memory.Entry{
		{Type: memory.KindTextInput, TsMs: clock.now() - 2*3600*1000, Text: "old chatter"},
	}); err != nil {
		t.Fatal(err)
	}

	w := postJSON(t, s, "/jobs/run", `{"job":"compaction"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["summary_count"].(float64) != 3 {
		t.Errorf("summary_count = %v", body["summary_count"])
	}

	snap := s.JobState.Snapshot()[jobs.JobCompaction]
	if snap.LastCompletedMs == 0 || snap.InFlight {
		t.Errorf("Job state after run: %+v", snap)
	}
}

func TestJobsRunRejectsUnknownJob(t *testing.T) {
	s, _ := newTestServer(t, &scriptedModel{})
	w := postJSON(t, s, "/jobs/run", `{"job":"vacuum"}`)
	if w.Code != http.StatusBadRequest || errorCode(t, w) != "INVALID_REQUEST" {
		t.Errorf("status=%d code=%s", w.Code, errorCode(t, w))
	}
}

func TestJobsRunPromotion(t *testing.T) {
	s, _ := newTestServer(t, &scriptedModel{})
	w := postJSON(t, s, "/jobs/run", `{"job":"promotion"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["source_row_count"].(float64) != 0 {
		t.Errorf("source_row_count = %v", body["source_row_count"])
	}
}
