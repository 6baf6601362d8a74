package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nowadays/billing-service/internal/app"
	"github.com/nowadays/billing-service/internal/domain"
)

type stubProcessor struct {
	calls  int
	lastEv *domain.WebhookEvent
	result app.Result
	err    error
}

func (s *stubProcessor) HandleEvent(ctx context.Context, ev *domain.WebhookEvent) (app.Result, error) {
	s.calls++
	s.lastEv = ev
	return s.result, s.err
}

const testSecret = "whsec_test"

func newWebhookRequest(t *testing.T, body []byte, sign bool) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(body))
	if sign {
		req.Header.Set(SignatureHeader, SignPayload(testSecret, time.Now().Unix(), body))
	}
	return req
}

func TestWebhookHandlerRejectsBadSignature(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(r *http.Request)
	}{
		{
			name:   "missing header",
			mutate: func(r *http.Request) { r.Header.Del(SignatureHeader) },
		},
		{
			name: "wrong secret",
			mutate: func(r *http.Request) {
				r.Header.Set(SignatureHeader, SignPayload("whsec_other", time.Now().Unix(), []byte(`{}`)))
			},
		},
		{
			name: "stale timestamp",
			mutate: func(r *http.Request) {
				r.Header.Set(SignatureHeader, SignPayload(testSecret, time.Now().Add(-time.Hour).Unix(), []byte(`{}`)))
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			processor := &stubProcessor{}
			handler := NewWebhookHandler(processor, testSecret, 5*time.Minute)

			req := newWebhookRequest(t, []byte(`{}`), true)
			tc.mutate(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			if processor.calls != 0 {
				t.Errorf("unauthenticated request must never reach the service, got %d calls", processor.calls)
			}
		})
	}
}

func TestWebhookHandlerAcknowledgesProcessedEvent(t *testing.T) {
	processor := &stubProcessor{result: app.Result{Status: app.StatusProcessed}}
	handler := NewWebhookHandler(processor, testSecret, 5*time.Minute)

	body := []byte(`{"id":"evt_1","type":"invoice.paid","created":1767985200,"data":{"object":{"id":"in_1","customer":"cus_1"}}}`)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newWebhookRequest(t, body, true))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if processor.calls != 1 {
		t.Fatalf("expected 1 service call, got %d", processor.calls)
	}
	if processor.lastEv.ID != "evt_1" || processor.lastEv.Type != "invoice.paid" {
		t.Errorf("event envelope not decoded: id=%q type=%q", processor.lastEv.ID, processor.lastEv.Type)
	}

	var result app.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if result.Status != app.StatusProcessed {
		t.Errorf("expected %q in body, got %q", app.StatusProcessed, result.Status)
	}
}

func TestWebhookHandlerRequestsRedeliveryOnTransientFailure(t *testing.T) {
	processor := &stubProcessor{err: errors.New("connection refused")}
	handler := NewWebhookHandler(processor, testSecret, 5*time.Minute)

	body := []byte(`{"id":"evt_1","type":"invoice.paid"}`)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newWebhookRequest(t, body, true))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("transient failure must answer 500, got %d", rec.Code)
	}
}

func TestWebhookHandlerAcknowledgesUndecodablePayload(t *testing.T) {
	processor := &stubProcessor{}
	handler := NewWebhookHandler(processor, testSecret, 5*time.Minute)

	body := []byte(`{"id": "evt_1",`)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newWebhookRequest(t, body, true))

	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated garbage must be acknowledged, got %d", rec.Code)
	}
	if processor.calls != 0 {
		t.Errorf("undecodable payload must not reach the service, got %d calls", processor.calls)
	}
	var result app.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if result.Status != app.StatusDiscarded {
		t.Errorf("expected %q, got %q", app.StatusDiscarded, result.Status)
	}
}
