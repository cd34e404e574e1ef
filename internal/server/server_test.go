package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"quorum/internal/app"
	"quorum/internal/config"
	"quorum/internal/domain"
	"quorum/internal/logging"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	cfg := config.Default()
	appCtx, err := app.Open(context.Background(), app.Options{
		Workspace: t.TempDir(),
		ActorID:   "tester",
		Config:    cfg,
		Log:       logging.Discard(),
	})
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	handler, err := New(Config{
		Engine:   appCtx.Engine,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
		Logger:   logging.Discard(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			appCtx.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func actor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %T: %v (%s)", out, err, string(data))
	}
	return out
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func createTicket(t *testing.T, srv *testServer, title string) domain.WorkItem {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"kind":  "ticket",
		"title": title,
	}, actor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item status %d: %s", res.StatusCode, string(data))
	}
	return decode[domain.WorkItem](t, data)
}

func requestVote(t *testing.T, srv *testServer, itemID string, body map[string]any) domain.Vote {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/items/ticket/"+itemID+"/votes", body, actor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("request vote status %d: %s", res.StatusCode, string(data))
	}
	return decode[domain.Vote](t, data)
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthenticationRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/steps", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("unexpected code %q", code)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/steps", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestBearerTokenIdentifiesActor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token, err := IssueToken(testSecret, "bob", []string{"ops"}, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"kind":  "change",
		"title": "Rotate keys",
	}, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?type=item.created", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	page := decode[paginatedEvents](t, data)
	if len(page.Items) != 1 || page.Items[0].ActorID != "bob" {
		t.Fatalf("expected one event by bob, got %+v", page.Items)
	}
}

func TestVoteLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	item := createTicket(t, srv, "Ship feature")

	first := requestVote(t, srv, item.ID, map[string]any{"target_type": "user", "target_id": "bob"})
	second := requestVote(t, srv, item.ID, map[string]any{"target_type": "group", "target_id": "ops"})
	if first.StepInstanceID != second.StepInstanceID {
		t.Fatalf("votes on the default step must share an instance: %s vs %s", first.StepInstanceID, second.StepInstanceID)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/ticket/"+item.ID, nil, actor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summary status %d: %s", res.StatusCode, string(data))
	}
	sum := decode[SummaryResponse](t, data)
	if sum.Status != domain.StatusWaiting || len(sum.Steps) != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/votes/"+first.ID+"/answer", map[string]any{"status": "refused"}, actor("bob"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("refusal without comment must be 422, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "missing_refusal_reason" {
		t.Fatalf("unexpected code %q", code)
	}

	for _, id := range []string{first.ID, second.ID} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/votes/"+id+"/answer", map[string]any{"status": "accepted"}, actor("bob"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("answer status %d: %s", res.StatusCode, string(data))
		}
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/ticket/"+item.ID, nil, actor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summary status %d: %s", res.StatusCode, string(data))
	}
	sum = decode[SummaryResponse](t, data)
	if sum.Status != domain.StatusAccepted || sum.StatusLabel != domain.StatusAccepted.Label() {
		t.Fatalf("expected accepted, got %+v", sum)
	}
	if sum.Steps[0].Achievements.Accepted != 100 {
		t.Fatalf("expected 100%% accepted, got %+v", sum.Steps[0].Achievements)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/votes/"+first.ID, map[string]any{"submission_comment": "late"}, actor("alice"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("editing an answered vote must be 422, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/votes/"+second.ID, nil, actor("alice"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/ticket/"+item.ID+"/votes", nil, actor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list votes status %d: %s", res.StatusCode, string(data))
	}
	if votes := decode[[]domain.Vote](t, data); len(votes) != 1 {
		t.Fatalf("expected one vote left, got %d", len(votes))
	}
}

func TestThresholdOverrideOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	item := createTicket(t, srv, "Migrate db")
	a := requestVote(t, srv, item.ID, map[string]any{"target_type": "user", "target_id": "bob"})
	requestVote(t, srv, item.ID, map[string]any{"target_type": "user", "target_id": "carol"})
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/votes/"+a.ID+"/answer", map[string]any{"status": "accepted"}, actor("bob")); res.StatusCode != http.StatusOK {
		t.Fatalf("answer status %d: %s", res.StatusCode, string(data))
	}

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/step-instances/"+a.StepInstanceID, map[string]any{"minimal_required_percent": 150}, actor("alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("out of range percent must be 400, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/step-instances/"+a.StepInstanceID, map[string]any{"minimal_required_percent": 50}, actor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("override status %d: %s", res.StatusCode, string(data))
	}
	si := decode[domain.StepInstance](t, data)
	if si.MinimalRequiredPercent != 50 {
		t.Fatalf("threshold not applied: %+v", si)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/ticket/"+item.ID, nil, actor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summary status %d: %s", res.StatusCode, string(data))
	}
	if sum := decode[SummaryResponse](t, data); sum.Status != domain.StatusAccepted {
		t.Fatalf("50%% accepted meets a 50%% threshold, got %s", sum.Status)
	}
}

func TestStepDefinitionsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/steps", map[string]any{
		"name":                     "Security review",
		"minimal_required_percent": 60,
		"is_default":               true,
	}, actor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create step status %d: %s", res.StatusCode, string(data))
	}
	created := decode[domain.StepDefinition](t, data)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/steps", nil, actor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list steps status %d: %s", res.StatusCode, string(data))
	}
	defaults := 0
	for _, d := range decode[[]domain.StepDefinition](t, data) {
		if d.IsDefault {
			defaults++
			if d.ID != created.ID {
				t.Fatalf("new default not applied")
			}
		}
	}
	if defaults != 1 {
		t.Fatalf("expected exactly one default, got %d", defaults)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/steps/"+created.ID, nil, actor("alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty patch must be 400, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/steps/"+created.ID, nil, actor("alice"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete step status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/steps/"+created.ID, nil, actor("alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted step must be 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestPendingCountOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	a := createTicket(t, srv, "one")
	b := createTicket(t, srv, "two")
	requestVote(t, srv, a.ID, map[string]any{"target_type": "user", "target_id": "bob"})
	requestVote(t, srv, b.ID, map[string]any{"target_type": "group", "target_id": "ops"})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/targets/user/bob/pending?groups=ops", nil, actor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pending status %d: %s", res.StatusCode, string(data))
	}
	if p := decode[PendingResponse](t, data); p.Count != 2 {
		t.Fatalf("expected 2 pending items, got %+v", p)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/targets/group/ops/pending", nil, actor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pending status %d: %s", res.StatusCode, string(data))
	}
	if p := decode[PendingResponse](t, data); p.Count != 1 {
		t.Fatalf("expected 1 pending item for ops, got %+v", p)
	}
}

func TestPendingCountUsesTokenGroups(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	a := createTicket(t, srv, "one")
	b := createTicket(t, srv, "two")
	requestVote(t, srv, a.ID, map[string]any{"target_type": "user", "target_id": "bob"})
	requestVote(t, srv, b.ID, map[string]any{"target_type": "group", "target_id": "ops"})

	token, err := IssueToken(testSecret, "bob", []string{"ops"}, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	auth := map[string]string{"Authorization": "Bearer " + token}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/targets/user/bob/pending", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pending status %d: %s", res.StatusCode, string(data))
	}
	if p := decode[PendingResponse](t, data); p.Count != 2 || len(p.Groups) != 1 || p.Groups[0] != "ops" {
		t.Fatalf("token groups should count, got %+v", p)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/targets/user/bob/pending?groups=qa", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pending status %d: %s", res.StatusCode, string(data))
	}
	if p := decode[PendingResponse](t, data); p.Count != 1 {
		t.Fatalf("explicit groups replace the token groups, got %+v", p)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/targets/user/carol/pending", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pending status %d: %s", res.StatusCode, string(data))
	}
	if p := decode[PendingResponse](t, data); p.Count != 0 {
		t.Fatalf("token groups only apply to the caller, got %+v", p)
	}
}

func TestUnknownKindAndMissingItem(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/items/ticket/missing", nil, actor("alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/items/ticket/missing/votes", map[string]any{"target_type": "user", "target_id": "bob"}, actor("alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("vote on missing item must be 404, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/items/problem", nil, actor("alice"))
	if res.StatusCode < 400 || res.StatusCode >= 500 {
		t.Fatalf("unknown kind must be a client error, got %d", res.StatusCode)
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	for _, title := range []string{"a", "b", "c"} {
		createTicket(t, srv, title)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?type=item.created&limit=2", nil, actor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	page := decode[paginatedEvents](t, data)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full first page with cursor, got %+v", page)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?type=item.created&limit=2&cursor="+page.NextCursor, nil, actor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	next := decode[paginatedEvents](t, data)
	if len(next.Items) != 1 || next.NextCursor != "" {
		t.Fatalf("expected last page with one event, got %+v", next)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, actor("alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad cursor must be 400, got %d", res.StatusCode)
	}
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createTicket(t, srv, "x")
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "quorum_api_requests_total") {
		t.Fatalf("metrics not exposed: %d", res.StatusCode)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "bearerAuth") {
		t.Fatalf("openapi not served: %d", res.StatusCode)
	}
}
