package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/eventlog"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logstore"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/retrymgr"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/api/apix"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/crypto"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/redis"
)

func newEngineWithConfig(t *testing.T, cfg Config) (*Engine, *eventlog.Log, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	logger := logrus.New()
	store := logstore.New(client, logger)
	notify := redis.NewTypedPubSub[eventlog.Notification](client, logger)
	log := eventlog.New(store, notify, eventlog.DefaultConfig("node-test"), nil, nil, logger)
	return New(store, log, retrymgr.NewManager(logger), cfg, logger), log, mr
}

func newEngine(t *testing.T) (*Engine, *eventlog.Log, *miniredis.Miniredis) {
	t.Helper()
	return newEngineWithConfig(t, DefaultConfig())
}

func testPrincipal(orgID string) models.Principal {
	return models.Principal{OrgID: orgID, UserID: "user-1"}
}

func deliverableEvent(orgID, id string) *models.Event {
	return &models.Event{
		ID:             id,
		OrgID:          orgID,
		EventType:      "order.created",
		Channel:        "orders",
		Payload:        models.JSONB{"total": 42},
		SequenceNumber: 7,
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
		Priority:       models.PriorityNormal,
		Status:         models.EventCompleted,
	}
}

func mustRegister(t *testing.T, eng *Engine, p models.Principal, req apix.RegisterEndpointRequest) *models.DeliveryEndpoint {
	t.Helper()
	ep, err := eng.RegisterEndpoint(context.Background(), p, req)
	if err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}
	return ep
}

func deliverOneReceipt(t *testing.T, eng *Engine, p models.Principal, ev *models.Event, ids ...string) models.DeliveryReceipt {
	t.Helper()
	receipts, err := eng.Deliver(context.Background(), p, ev, ids)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(receipts) != 1 {
		t.Fatalf("receipts = %d, want 1", len(receipts))
	}
	return receipts[0]
}

// scriptedServer answers with a fixed status sequence, repeating the last
// entry once the script runs out, and records every hit.
type scriptedServer struct {
	srv *httptest.Server

	mu      sync.Mutex
	codes   []int
	hits    []time.Time
	bodies  [][]byte
	headers []http.Header
}

func newScripted(t *testing.T, codes ...int) *scriptedServer {
	t.Helper()
	s := &scriptedServer{codes: codes}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		idx := len(s.hits)
		s.hits = append(s.hits, time.Now())
		s.bodies = append(s.bodies, body)
		s.headers = append(s.headers, r.Header.Clone())
		code := http.StatusOK
		if idx < len(s.codes) {
			code = s.codes[idx]
		} else if len(s.codes) > 0 {
			code = s.codes[len(s.codes)-1]
		}
		s.mu.Unlock()
		w.WriteHeader(code)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *scriptedServer) hitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hits)
}

func (s *scriptedServer) gap(i int) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[i].Sub(s.hits[i-1])
}

func (s *scriptedServer) request(i int) ([]byte, http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bodies[i], s.headers[i]
}

func TestRegisterEndpointDefaults(t *testing.T) {
	eng, _, mr := newEngine(t)
	p := testPrincipal("org1")

	ep := mustRegister(t, eng, p, apix.RegisterEndpointRequest{URL: "https://example.com/hook"})
	if ep.Method != http.MethodPost {
		t.Fatalf("Method = %s, want POST", ep.Method)
	}
	if ep.Semantics != models.AtLeastOnce {
		t.Fatalf("Semantics = %s, want AT_LEAST_ONCE", ep.Semantics)
	}
	if !ep.Active {
		t.Fatal("new endpoint should be active")
	}
	if ep.RetryPolicy != models.DefaultRetryPolicy() {
		t.Fatalf("RetryPolicy = %+v, want default", ep.RetryPolicy)
	}
	if ep.TimeoutMs != 5000 {
		t.Fatalf("TimeoutMs = %d, want 5000", ep.TimeoutMs)
	}
	if ttl := mr.TTL(redis.KeyEndpoint("org1", ep.EndpointID)); ttl <= 29*24*time.Hour || ttl > 30*24*time.Hour {
		t.Fatalf("endpoint TTL = %v, want about 30 days", ttl)
	}

	if _, err := eng.RegisterEndpoint(context.Background(), p, apix.RegisterEndpointRequest{}); err == nil {
		t.Fatal("expected error for missing url")
	}
	if _, err := eng.RegisterEndpoint(context.Background(), p, apix.RegisterEndpointRequest{
		URL:       "https://example.com/hook",
		Semantics: "WHENEVER",
	}); err == nil {
		t.Fatal("expected error for unknown semantics")
	}
}

func TestUpdateEndpointPatches(t *testing.T) {
	eng, _, _ := newEngine(t)
	p := testPrincipal("org1")
	ctx := context.Background()

	ep := mustRegister(t, eng, p, apix.RegisterEndpointRequest{
		URL:    "https://example.com/hook",
		Secret: "whsec_1",
	})

	inactive := false
	upd, err := eng.UpdateEndpoint(ctx, p, ep.EndpointID, apix.RegisterEndpointRequest{
		Semantics: "exactly_once",
		Active:    &inactive,
	})
	if err != nil {
		t.Fatalf("UpdateEndpoint: %v", err)
	}
	if upd.URL != "https://example.com/hook" {
		t.Fatalf("URL = %s, want unchanged", upd.URL)
	}
	if upd.SecretHeader != "whsec_1" {
		t.Fatal("secret should survive a patch that omits it")
	}
	if upd.Semantics != models.ExactlyOnce {
		t.Fatalf("Semantics = %s, want EXACTLY_ONCE", upd.Semantics)
	}
	if upd.Active {
		t.Fatal("endpoint should be paused")
	}

	if _, err := eng.UpdateEndpoint(ctx, p, "missing", apix.RegisterEndpointRequest{}); !errors.Is(err, ErrEndpointNotFound) {
		t.Fatalf("err = %v, want ErrEndpointNotFound", err)
	}
	if _, err := eng.UpdateEndpoint(ctx, testPrincipal("org2"), ep.EndpointID, apix.RegisterEndpointRequest{}); !errors.Is(err, ErrEndpointNotFound) {
		t.Fatalf("foreign update err = %v, want ErrEndpointNotFound", err)
	}
}

func TestListEndpointsScopedToTenant(t *testing.T) {
	eng, _, _ := newEngine(t)
	ctx := context.Background()

	a := mustRegister(t, eng, testPrincipal("org1"), apix.RegisterEndpointRequest{URL: "https://a.example.com"})
	b := mustRegister(t, eng, testPrincipal("org1"), apix.RegisterEndpointRequest{URL: "https://b.example.com"})
	mustRegister(t, eng, testPrincipal("org2"), apix.RegisterEndpointRequest{URL: "https://c.example.com"})

	list, err := eng.ListEndpoints(ctx, testPrincipal("org1"))
	if err != nil {
		t.Fatalf("ListEndpoints: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("org1 endpoints = %d, want 2", len(list))
	}
	if list[0].EndpointID != a.EndpointID || list[1].EndpointID != b.EndpointID {
		t.Fatal("endpoints should list oldest first")
	}

	other, err := eng.ListEndpoints(ctx, testPrincipal("org2"))
	if err != nil {
		t.Fatalf("ListEndpoints org2: %v", err)
	}
	if len(other) != 1 {
		t.Fatalf("org2 endpoints = %d, want 1", len(other))
	}
}

func TestAtMostOnceSingleAttempt(t *testing.T) {
	eng, log, _ := newEngine(t)
	p := testPrincipal("org1")
	srv := newScripted(t, http.StatusInternalServerError)

	ep := mustRegister(t, eng, p, apix.RegisterEndpointRequest{
		URL:       srv.srv.URL,
		Semantics: "AT_MOST_ONCE",
		// The policy allows retries; the semantics must override it.
		RetryPolicy: &models.RetryPolicy{MaxAttempts: 5, Backoff: models.BackoffFixed, BaseDelayMs: 1},
	})

	rec := deliverOneReceipt(t, eng, p, deliverableEvent("org1", "ev-1"), ep.EndpointID)
	if rec.Status != models.ReceiptFailed {
		t.Fatalf("Status = %s, want FAILED", rec.Status)
	}
	if rec.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1", rec.Attempts)
	}
	if srv.hitCount() != 1 {
		t.Fatalf("endpoint hits = %d, want 1", srv.hitCount())
	}
	if rec.ResponseCode == nil || *rec.ResponseCode != http.StatusInternalServerError {
		t.Fatalf("ResponseCode = %v, want 500", rec.ResponseCode)
	}

	entries, err := log.ListDLQ(context.Background(), "org1", 0)
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dlq entries = %d, want 1", len(entries))
	}
	if entries[0].Reason != eventlog.ReasonMaxRetriesExceeded {
		t.Fatalf("Reason = %s, want %s", entries[0].Reason, eventlog.ReasonMaxRetriesExceeded)
	}
	if entries[0].EndpointID != ep.EndpointID || entries[0].Event == nil {
		t.Fatal("dlq entry should carry the endpoint and the full event")
	}
}

func TestAtLeastOnceRetriesUntilSuccess(t *testing.T) {
	eng, _, _ := newEngine(t)
	p := testPrincipal("org1")
	srv := newScripted(t, http.StatusInternalServerError, http.StatusInternalServerError, http.StatusOK)

	ep := mustRegister(t, eng, p, apix.RegisterEndpointRequest{
		URL: srv.srv.URL,
		RetryPolicy: &models.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     models.BackoffExponential,
			BaseDelayMs: 100,
			MaxDelayMs:  1000,
			Jitter:      true,
		},
	})

	rec := deliverOneReceipt(t, eng, p, deliverableEvent("org1", "ev-1"), ep.EndpointID)
	if rec.Status != models.ReceiptDelivered {
		t.Fatalf("Status = %s, want DELIVERED (error: %s)", rec.Status, rec.Error)
	}
	if rec.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", rec.Attempts)
	}
	if srv.hitCount() != 3 {
		t.Fatalf("endpoint hits = %d, want 3", srv.hitCount())
	}
	if rec.ResponseCode == nil || *rec.ResponseCode != http.StatusOK {
		t.Fatalf("ResponseCode = %v, want 200", rec.ResponseCode)
	}
	if rec.Error != "" {
		t.Fatalf("Error = %q, want empty after success", rec.Error)
	}
	if rec.FirstAttemptAt.IsZero() || rec.LastAttemptAt.Before(rec.FirstAttemptAt) {
		t.Fatal("attempt timestamps should be ordered")
	}

	// Exponential curve from a 100ms base: waits of about 100ms then 200ms,
	// within ±10% jitter plus scheduling slack upward.
	if gap := srv.gap(1); gap < 90*time.Millisecond || gap > 400*time.Millisecond {
		t.Fatalf("first retry gap = %v, want about 100ms", gap)
	}
	if gap := srv.gap(2); gap < 180*time.Millisecond || gap > 600*time.Millisecond {
		t.Fatalf("second retry gap = %v, want about 200ms", gap)
	}
}

func TestAtLeastOnceExhaustsToDLQ(t *testing.T) {
	eng, log, _ := newEngine(t)
	p := testPrincipal("org1")
	srv := newScripted(t, http.StatusBadGateway)

	ep := mustRegister(t, eng, p, apix.RegisterEndpointRequest{
		URL:         srv.srv.URL,
		RetryPolicy: &models.RetryPolicy{MaxAttempts: 2, Backoff: models.BackoffFixed, BaseDelayMs: 1},
	})

	rec := deliverOneReceipt(t, eng, p, deliverableEvent("org1", "ev-9"), ep.EndpointID)
	if rec.Status != models.ReceiptFailed {
		t.Fatalf("Status = %s, want FAILED", rec.Status)
	}
	if rec.Attempts != 2 || srv.hitCount() != 2 {
		t.Fatalf("attempts = %d, hits = %d, want 2/2", rec.Attempts, srv.hitCount())
	}
	if !strings.Contains(rec.Error, "502") {
		t.Fatalf("Error = %q, want the last status in it", rec.Error)
	}

	stored, err := eng.GetReceipt(context.Background(), p, rec.ReceiptID)
	if err != nil {
		t.Fatalf("GetReceipt: %v", err)
	}
	if stored.Status != models.ReceiptFailed {
		t.Fatalf("stored Status = %s, want FAILED", stored.Status)
	}

	entries, err := log.ListDLQ(context.Background(), "org1", 0)
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(entries) != 1 || entries[0].Attempts != 2 {
		t.Fatalf("dlq = %+v, want one entry with 2 attempts", entries)
	}
}

func TestExactlyOnceReturnsPriorReceipt(t *testing.T) {
	eng, _, mr := newEngine(t)
	p := testPrincipal("org1")
	srv := newScripted(t, http.StatusInternalServerError, http.StatusOK)

	ep := mustRegister(t, eng, p, apix.RegisterEndpointRequest{
		URL:       srv.srv.URL,
		Semantics: "EXACTLY_ONCE",
		RetryPolicy: &models.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     models.BackoffExponential,
			BaseDelayMs: 100,
			MaxDelayMs:  1000,
			Jitter:      true,
		},
	})

	ev := deliverableEvent("org1", "ev-42")
	first := deliverOneReceipt(t, eng, p, ev)
	if first.Status != models.ReceiptDelivered {
		t.Fatalf("Status = %s, want DELIVERED (error: %s)", first.Status, first.Error)
	}
	if first.Attempts != 2 || srv.hitCount() != 2 {
		t.Fatalf("attempts = %d, hits = %d, want 2/2", first.Attempts, srv.hitCount())
	}

	again := deliverOneReceipt(t, eng, p, ev)
	if srv.hitCount() != 2 {
		t.Fatalf("redelivery reached the endpoint: hits = %d, want 2", srv.hitCount())
	}
	if again.ReceiptID != first.ReceiptID {
		t.Fatalf("ReceiptID = %s, want the prior receipt %s", again.ReceiptID, first.ReceiptID)
	}
	if again.Status != models.ReceiptDelivered || again.Attempts != 2 {
		t.Fatalf("prior receipt came back as %s/%d attempts", again.Status, again.Attempts)
	}

	idemKey := redis.KeyIdempotency("org1", "ev-42", ep.EndpointID)
	if !mr.Exists(idemKey) {
		t.Fatal("idempotency index missing after success")
	}
	if ttl := mr.TTL(idemKey); ttl <= 29*24*time.Hour || ttl > 30*24*time.Hour {
		t.Fatalf("idempotency TTL = %v, want about 30 days", ttl)
	}
	if ttl := mr.TTL(redis.KeyReceipt("org1", first.ReceiptID)); ttl <= 6*24*time.Hour || ttl > 7*24*time.Hour {
		t.Fatalf("receipt TTL = %v, want about 7 days", ttl)
	}
}

func TestSignatureCoversCanonicalBody(t *testing.T) {
	eng, _, _ := newEngine(t)
	p := testPrincipal("org1")
	srv := newScripted(t, http.StatusOK)
	const secret = "whsec_test"

	ep := mustRegister(t, eng, p, apix.RegisterEndpointRequest{
		URL:       srv.srv.URL,
		Secret:    secret,
		Semantics: "AT_MOST_ONCE",
		Headers:   map[string]string{"X-Custom": "yes"},
	})

	rec := deliverOneReceipt(t, eng, p, deliverableEvent("org1", "ev-sig"), ep.EndpointID)
	if rec.Status != models.ReceiptDelivered {
		t.Fatalf("Status = %s, want DELIVERED", rec.Status)
	}

	body, headers := srv.request(0)
	if headers.Get("X-Custom") != "yes" {
		t.Fatal("endpoint headers should be forwarded")
	}
	headerSig := headers.Get(SignatureHeader)
	if headerSig == "" {
		t.Fatalf("missing %s header", SignatureHeader)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var decoded map[string]interface{}
	if err := dec.Decode(&decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	bodySig, _ := decoded["signature"].(string)
	if bodySig != headerSig {
		t.Fatalf("body signature %q != header signature %q", bodySig, headerSig)
	}

	meta, _ := decoded["delivery"].(map[string]interface{})
	if meta == nil || meta["id"] != rec.ReceiptID {
		t.Fatalf("delivery meta = %v, want id %s", meta, rec.ReceiptID)
	}
	if attempt, _ := meta["attempt"].(json.Number); attempt.String() != "1" {
		t.Fatalf("delivery attempt = %v, want 1", meta["attempt"])
	}

	// The signature covers the canonical body with the signature field absent.
	delete(decoded, "signature")
	canonical, err := crypto.CanonicalJSON(decoded)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	if !crypto.VerifyHMAC([]byte(secret), canonical, bodySig) {
		t.Fatal("signature does not verify against the canonical body")
	}
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	eng, _, _ := newEngine(t)
	p := testPrincipal("org1")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	ep := mustRegister(t, eng, p, apix.RegisterEndpointRequest{
		URL:       srv.URL,
		Semantics: "AT_MOST_ONCE",
		TimeoutMs: 50,
	})

	rec := deliverOneReceipt(t, eng, p, deliverableEvent("org1", "ev-slow"), ep.EndpointID)
	if rec.Status != models.ReceiptFailed {
		t.Fatalf("Status = %s, want FAILED", rec.Status)
	}
	if rec.ResponseCode != nil {
		t.Fatalf("ResponseCode = %v, want nil for a timed-out attempt", rec.ResponseCode)
	}
	if !strings.Contains(rec.Error, "deadline") {
		t.Fatalf("Error = %q, want a deadline error", rec.Error)
	}
}

func TestAcknowledgeTransitions(t *testing.T) {
	eng, _, _ := newEngine(t)
	p := testPrincipal("org1")
	ctx := context.Background()

	okSrv := newScripted(t, http.StatusOK)
	badSrv := newScripted(t, http.StatusInternalServerError)
	okEp := mustRegister(t, eng, p, apix.RegisterEndpointRequest{URL: okSrv.srv.URL, Semantics: "AT_MOST_ONCE"})
	badEp := mustRegister(t, eng, p, apix.RegisterEndpointRequest{URL: badSrv.srv.URL, Semantics: "AT_MOST_ONCE"})

	delivered := deliverOneReceipt(t, eng, p, deliverableEvent("org1", "ev-1"), okEp.EndpointID)
	failed := deliverOneReceipt(t, eng, p, deliverableEvent("org1", "ev-2"), badEp.EndpointID)

	ack, err := eng.Acknowledge(ctx, p, delivered.ReceiptID, models.JSONB{"seen": true})
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if ack.Status != models.ReceiptAcknowledged || ack.AcknowledgedAt == nil {
		t.Fatalf("ack = %+v, want ACKNOWLEDGED with timestamp", ack)
	}
	if ack.AckData["seen"] != true {
		t.Fatalf("AckData = %v, want the caller's payload", ack.AckData)
	}

	if _, err := eng.Acknowledge(ctx, p, delivered.ReceiptID, nil); !errors.Is(err, ErrNotDelivered) {
		t.Fatalf("second ack err = %v, want ErrNotDelivered", err)
	}
	if _, err := eng.Acknowledge(ctx, p, failed.ReceiptID, nil); !errors.Is(err, ErrNotDelivered) {
		t.Fatalf("failed ack err = %v, want ErrNotDelivered", err)
	}
	if _, err := eng.Acknowledge(ctx, p, "missing", nil); !errors.Is(err, ErrReceiptNotFound) {
		t.Fatalf("missing ack err = %v, want ErrReceiptNotFound", err)
	}
	if _, err := eng.Acknowledge(ctx, testPrincipal("org2"), delivered.ReceiptID, nil); !errors.Is(err, ErrReceiptNotFound) {
		t.Fatalf("foreign ack err = %v, want ErrReceiptNotFound", err)
	}
}

func TestSamePairDeliveriesSerialize(t *testing.T) {
	eng, _, _ := newEngine(t)
	p := testPrincipal("org1")

	var hits, inflight, maxInflight int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		cur := atomic.AddInt32(&inflight, 1)
		for {
			prev := atomic.LoadInt32(&maxInflight)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxInflight, prev, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
	}))
	t.Cleanup(srv.Close)

	ep := mustRegister(t, eng, p, apix.RegisterEndpointRequest{URL: srv.URL, Semantics: "EXACTLY_ONCE"})
	ev := deliverableEvent("org1", "ev-race")

	const callers = 4
	receipts := make([]models.DeliveryReceipt, callers)
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := eng.Deliver(context.Background(), p, ev, []string{ep.EndpointID})
			if err != nil {
				errs <- err
				return
			}
			receipts[i] = got[0]
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Deliver: %v", err)
	}

	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("endpoint hits = %d, want exactly 1", n)
	}
	if m := atomic.LoadInt32(&maxInflight); m != 1 {
		t.Fatalf("max concurrent requests = %d, want 1", m)
	}
	for i := 0; i < callers; i++ {
		if receipts[i].ReceiptID != receipts[0].ReceiptID {
			t.Fatal("all callers should observe the same receipt")
		}
		if receipts[i].Status != models.ReceiptDelivered {
			t.Fatalf("receipt %d is %s, want DELIVERED", i, receipts[i].Status)
		}
	}
}

func TestDeliverTargetsActiveEndpoints(t *testing.T) {
	eng, _, _ := newEngine(t)
	p := testPrincipal("org1")
	ctx := context.Background()

	active := newScripted(t, http.StatusOK)
	paused := newScripted(t, http.StatusOK)
	foreign := newScripted(t, http.StatusOK)

	activeEp := mustRegister(t, eng, p, apix.RegisterEndpointRequest{URL: active.srv.URL})
	pausedEp := mustRegister(t, eng, p, apix.RegisterEndpointRequest{URL: paused.srv.URL})
	mustRegister(t, eng, testPrincipal("org2"), apix.RegisterEndpointRequest{URL: foreign.srv.URL})

	off := false
	if _, err := eng.UpdateEndpoint(ctx, p, pausedEp.EndpointID, apix.RegisterEndpointRequest{Active: &off}); err != nil {
		t.Fatalf("UpdateEndpoint: %v", err)
	}

	receipts, err := eng.Deliver(ctx, p, deliverableEvent("org1", "ev-1"), nil)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(receipts) != 1 || receipts[0].EndpointID != activeEp.EndpointID {
		t.Fatalf("receipts = %+v, want the active endpoint only", receipts)
	}
	if active.hitCount() != 1 || paused.hitCount() != 0 || foreign.hitCount() != 0 {
		t.Fatalf("hits = %d/%d/%d, want 1/0/0", active.hitCount(), paused.hitCount(), foreign.hitCount())
	}

	// Explicit targeting skips paused endpoints and rejects unknown ids.
	receipts, err = eng.Deliver(ctx, p, deliverableEvent("org1", "ev-2"), []string{pausedEp.EndpointID})
	if err != nil {
		t.Fatalf("Deliver paused: %v", err)
	}
	if len(receipts) != 0 || paused.hitCount() != 0 {
		t.Fatal("paused endpoint should not be delivered to")
	}
	if _, err := eng.Deliver(ctx, p, deliverableEvent("org1", "ev-3"), []string{"missing"}); !errors.Is(err, ErrEndpointNotFound) {
		t.Fatalf("err = %v, want ErrEndpointNotFound", err)
	}
	if _, err := eng.Deliver(ctx, p, deliverableEvent("org2", "ev-4"), nil); !errors.Is(err, ErrOrgMismatch) {
		t.Fatalf("err = %v, want ErrOrgMismatch", err)
	}
}

func TestRedriveDLQ(t *testing.T) {
	eng, log, _ := newEngine(t)
	p := testPrincipal("org1")
	ctx := context.Background()

	var failing atomic.Bool
	failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)

	ep := mustRegister(t, eng, p, apix.RegisterEndpointRequest{URL: srv.URL, Semantics: "AT_MOST_ONCE"})
	rec := deliverOneReceipt(t, eng, p, deliverableEvent("org1", "ev-park"), ep.EndpointID)
	if rec.Status != models.ReceiptFailed {
		t.Fatalf("Status = %s, want FAILED", rec.Status)
	}

	entries, err := log.ListDLQ(ctx, "org1", 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ListDLQ = %v entries, err %v, want 1", len(entries), err)
	}

	// A failed redrive replaces the entry rather than duplicating it.
	redriven, err := eng.RedriveDLQ(ctx, p, entries[0].ID)
	if err != nil {
		t.Fatalf("RedriveDLQ: %v", err)
	}
	if redriven.Status != models.ReceiptFailed {
		t.Fatalf("Status = %s, want FAILED while the endpoint is down", redriven.Status)
	}
	entries, err = log.ListDLQ(ctx, "org1", 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ListDLQ after failed redrive = %v entries, err %v, want 1", len(entries), err)
	}

	failing.Store(false)
	redriven, err = eng.RedriveDLQ(ctx, p, entries[0].ID)
	if err != nil {
		t.Fatalf("RedriveDLQ: %v", err)
	}
	if redriven.Status != models.ReceiptDelivered {
		t.Fatalf("Status = %s, want DELIVERED", redriven.Status)
	}
	entries, err = log.ListDLQ(ctx, "org1", 0)
	if err != nil || len(entries) != 0 {
		t.Fatalf("ListDLQ after redrive = %v entries, err %v, want 0", len(entries), err)
	}

	// Poison entries without an endpoint cannot be redriven.
	poison, err := log.Park(ctx, &models.DLQEntry{
		OrgID:  "org1",
		Reason: eventlog.ReasonPoisonMessage,
		Raw:    "bm90IGpzb24=",
	})
	if err != nil {
		t.Fatalf("Park: %v", err)
	}
	if _, err := eng.RedriveDLQ(ctx, p, poison.ID); !errors.Is(err, ErrNotRedrivable) {
		t.Fatalf("err = %v, want ErrNotRedrivable", err)
	}
}

func TestCircuitOpenFailsFast(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CircuitThreshold = 3
	cfg.CircuitTimeout = 10 * time.Second
	eng, log, _ := newEngineWithConfig(t, cfg)
	p := testPrincipal("org1")
	ctx := context.Background()
	srv := newScripted(t, http.StatusInternalServerError)

	ep := mustRegister(t, eng, p, apix.RegisterEndpointRequest{URL: srv.srv.URL, Semantics: "AT_MOST_ONCE"})

	for i := 0; i < 3; i++ {
		rec := deliverOneReceipt(t, eng, p, deliverableEvent("org1", "ev-"+string(rune('a'+i))), ep.EndpointID)
		if rec.Status != models.ReceiptFailed {
			t.Fatalf("delivery %d status = %s, want FAILED", i, rec.Status)
		}
	}
	if srv.hitCount() != 3 {
		t.Fatalf("endpoint hits = %d, want 3", srv.hitCount())
	}

	state, ok := eng.retries.CircuitState(circuitID(ep.EndpointID))
	if !ok || state.State != models.CircuitOpen {
		t.Fatalf("circuit state = %+v, want OPEN", state)
	}

	rec := deliverOneReceipt(t, eng, p, deliverableEvent("org1", "ev-blocked"), ep.EndpointID)
	if rec.Status != models.ReceiptFailed {
		t.Fatalf("Status = %s, want FAILED", rec.Status)
	}
	if rec.Attempts != 0 {
		t.Fatalf("Attempts = %d, want 0 while the circuit rejects", rec.Attempts)
	}
	if srv.hitCount() != 3 {
		t.Fatalf("open circuit still reached the endpoint: hits = %d", srv.hitCount())
	}
	if !strings.Contains(rec.Error, "circuit") {
		t.Fatalf("Error = %q, want a circuit rejection", rec.Error)
	}

	entries, err := log.ListDLQ(ctx, "org1", 0)
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	last := entries[len(entries)-1]
	if last.Reason != eventlog.ReasonCircuitOpen {
		t.Fatalf("Reason = %s, want %s", last.Reason, eventlog.ReasonCircuitOpen)
	}
}
