package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/StoryPipe/internal/flow"
	"github.com/BTreeMap/StoryPipe/internal/gateway"
	"github.com/BTreeMap/StoryPipe/internal/messaging"
	"github.com/BTreeMap/StoryPipe/internal/models"
	"github.com/BTreeMap/StoryPipe/internal/store"
	"github.com/BTreeMap/StoryPipe/internal/testutil"
)

type fixture struct {
	st      *store.InMemoryStore
	gw      *gateway.MockGateway
	machine *flow.Machine
	server  *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	gw := gateway.NewMockGateway()
	machine := flow.New(st, gateway.NewReliable(gw, gateway.WithSendRate(rate.Inf, 1)), nil)
	dispatcher := messaging.NewDispatcher(st, machine)
	server := NewServer(machine, st, dispatcher, WithTwilioWebhook(messaging.NewTwilioService()))
	return &fixture{st: st, gw: gw, machine: machine, server: server}
}

func (f *fixture) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)
	return rr
}

type trialEnvelope struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Result  models.Trial `json:"result"`
}

func decodeTrial(t *testing.T, rr *httptest.ResponseRecorder) models.Trial {
	t.Helper()
	var env trialEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return env.Result
}

func (f *fixture) createTrial(t *testing.T, storytellerPhone string) models.Trial {
	t.Helper()
	body, _ := json.Marshal(models.CreateTrialRequest{
		BuyerPhone:       "+1 555 999 0000",
		BuyerName:        "Sam",
		StorytellerName:  "Grandma Jo",
		StorytellerPhone: storytellerPhone,
	})
	rr := f.do(t, http.MethodPost, "/trials", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	return decodeTrial(t, rr)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/healthz", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "healthz")
	testutil.AssertJSONResponse(t, rr, models.APIStatusOK)
}

func TestCreateTrial(t *testing.T) {
	f := newFixture(t)
	trial := f.createTrial(t, "+1 (555) 000-1111")
	if trial.ID == "" || trial.JoinCode == "" {
		t.Fatalf("expected id and join code, got %+v", trial)
	}
	if trial.State != models.StateAwaitingInitialContact {
		t.Errorf("expected awaiting_initial_contact, got %s", trial.State)
	}
	if trial.StorytellerPhone == nil || *trial.StorytellerPhone != "15550001111" {
		t.Errorf("expected canonical storyteller phone, got %v", trial.StorytellerPhone)
	}
	if trial.BuyerPhone != "15559990000" {
		t.Errorf("expected canonical buyer phone, got %s", trial.BuyerPhone)
	}
}

func TestCreateTrialErrors(t *testing.T) {
	f := newFixture(t)
	if rr := f.do(t, http.MethodPost, "/trials", []byte("{not json")); rr.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON: expected 400, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodPost, "/trials", []byte(`{"storyteller_name":"Jo"}`)); rr.Code != http.StatusBadRequest {
		t.Errorf("missing buyer phone: expected 400, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodPost, "/trials", []byte(`{"buyer_phone":"12","storyteller_name":"Jo"}`)); rr.Code != http.StatusBadRequest {
		t.Errorf("short phone: expected 400, got %d", rr.Code)
	}

	f.createTrial(t, "15550001111")
	body := []byte(`{"buyer_phone":"15559990000","storyteller_name":"Jo","storyteller_phone":"15550001111"}`)
	if rr := f.do(t, http.MethodPost, "/trials", body); rr.Code != http.StatusConflict {
		t.Errorf("duplicate active trial: expected 409, got %d", rr.Code)
	}
}

func TestGetAndListTrials(t *testing.T) {
	f := newFixture(t)
	created := f.createTrial(t, "15550001111")
	f.createTrial(t, "15550002222")

	rr := f.do(t, http.MethodGet, "/trials/"+created.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := decodeTrial(t, rr); got.ID != created.ID {
		t.Errorf("expected trial %s, got %s", created.ID, got.ID)
	}
	if rr := f.do(t, http.MethodGet, "/trials/missing", nil); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}

	rr = f.do(t, http.MethodGet, "/trials?state=awaiting_initial_contact&limit=1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var env struct {
		Result []models.Trial `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(env.Result) != 1 {
		t.Errorf("expected 1 trial with limit, got %d", len(env.Result))
	}
	if rr := f.do(t, http.MethodGet, "/trials?state=bogus", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("unknown state: expected 400, got %d", rr.Code)
	}
}

func TestListVoiceNotes(t *testing.T) {
	f := newFixture(t)
	created := f.createTrial(t, "15550001111")
	rr := f.do(t, http.MethodGet, "/trials/"+created.ID+"/voice-notes", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"result":[]`) {
		t.Errorf("expected empty list, got %s", rr.Body.String())
	}
	if rr := f.do(t, http.MethodGet, "/trials/missing/voice-notes", nil); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestResumeTrial(t *testing.T) {
	f := newFixture(t)
	created := f.createTrial(t, "15550001111")
	if rr := f.do(t, http.MethodPost, "/trials/"+created.ID+"/resume", nil); rr.Code != http.StatusConflict {
		t.Errorf("resume of active trial: expected 409, got %d", rr.Code)
	}
	rr := f.do(t, http.MethodPost, "/trials/missing/resume", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "resume of missing trial")
	testutil.AssertJSONResponse(t, rr, models.APIStatusError)

	stored, _ := f.st.GetTrial(context.Background(), created.ID)
	stored.State = models.StateStalled
	stored.RetryCount = 3
	if err := f.st.UpdateTrial(context.Background(), stored); err != nil {
		t.Fatalf("UpdateTrial failed: %v", err)
	}
	rr = f.do(t, http.MethodPost, "/trials/"+created.ID+"/resume", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := decodeTrial(t, rr); got.State != models.StateAwaitingReadiness || got.RetryCount != 0 {
		t.Errorf("unexpected resumed trial %+v", got)
	}
}

func postWebhook(f *fixture, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)
	return rr
}

func TestTwilioWebhookStartsConversation(t *testing.T) {
	f := newFixture(t)
	created := f.createTrial(t, "")
	form := url.Values{
		"MessageSid": {"SM100"},
		"From":       {"whatsapp:+15550003333"},
		"Body":       {"Hi! My code is " + created.JoinCode},
	}
	rr := postWebhook(f, form)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "<Response>") {
		t.Errorf("expected TwiML acknowledgement, got %s", rr.Body.String())
	}
	if got := len(f.gw.MessagesTo("15550003333")); got != 2 {
		t.Fatalf("expected welcome and readiness check, got %d messages", got)
	}
	stored, _ := f.st.GetTrial(context.Background(), created.ID)
	if stored.State != models.StateAwaitingReadiness {
		t.Errorf("expected awaiting_readiness, got %s", stored.State)
	}

	// Redelivery of the same webhook is a no-op.
	if rr := postWebhook(f, form); rr.Code != http.StatusOK {
		t.Fatalf("redelivery: expected 200, got %d", rr.Code)
	}
	if got := len(f.gw.MessagesTo("15550003333")); got != 2 {
		t.Errorf("redelivery sent again: %d messages", got)
	}
}

func TestTwilioWebhookUnknownSenderAndBadRequest(t *testing.T) {
	f := newFixture(t)
	rr := postWebhook(f, url.Values{"MessageSid": {"SM1"}, "From": {"whatsapp:+15550009999"}, "Body": {"hello"}})
	if rr.Code != http.StatusOK {
		t.Errorf("unknown sender: expected 200, got %d", rr.Code)
	}
	if len(f.gw.Messages()) != 0 {
		t.Error("unknown sender must not receive messages")
	}
	if rr := postWebhook(f, url.Values{"Body": {"hello"}}); rr.Code != http.StatusBadRequest {
		t.Errorf("missing fields: expected 400, got %d", rr.Code)
	}
}

func TestTwilioWebhookFailureAllowsRedelivery(t *testing.T) {
	f := newFixture(t)
	f.createTrial(t, "15550001111")
	f.gw.FailSends(gateway.Permanent("SendText", context.DeadlineExceeded))
	form := url.Values{"MessageSid": {"SM7"}, "From": {"whatsapp:+15550001111"}, "Body": {"hello"}}
	if rr := postWebhook(f, form); rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on failed welcome, got %d", rr.Code)
	}
	if rr := postWebhook(f, form); rr.Code != http.StatusOK {
		t.Fatalf("expected redelivery to succeed, got %d", rr.Code)
	}
	if got := len(f.gw.MessagesTo("15550001111")); got != 2 {
		t.Errorf("expected welcome and readiness after redelivery, got %d", got)
	}
}

func TestWebhookNotRoutedWithoutTwilio(t *testing.T) {
	st := store.NewInMemoryStore()
	machine := flow.New(st, gateway.NewMockGateway(), nil)
	server := NewServer(machine, st, messaging.NewDispatcher(st, machine))
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code == http.StatusOK {
		t.Error("expected webhook route to be absent")
	}
}
