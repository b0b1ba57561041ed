package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/creatorpay/creatorpay/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing (in-memory storage)
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		SweepInterval:      time.Minute,
		DisputeWindow:      48 * time.Hour,
		ClearingWindow:     7 * 24 * time.Hour,
		FlagWindow:         4 * 24 * time.Hour,
		ApprovalTTL:        24 * time.Hour,
		RejectMode:         "immediate",
		HighTierDelay:      time.Hour,
		LowTierMaxCents:    5_000,
		MediumTierMaxCents: 50_000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// do performs a request as the given actor and decodes the JSON response.
func do(t *testing.T, s *Server, method, path, actorID, role, body string) (int, map[string]interface{}) {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if actorID != "" {
		req.Header.Set("X-Actor-Id", actorID)
	}
	if role != "" {
		req.Header.Set("X-Actor-Role", role)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp map[string]interface{}
	if len(w.Body.Bytes()) > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
		}
	}
	return w.Code, resp
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	code, resp := do(t, s, "GET", "/health", "", "", "")
	if code != http.StatusOK {
		t.Errorf("Expected 200, got %d", code)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	code, _ := do(t, s, "GET", "/health/live", "", "", "")
	if code != http.StatusOK {
		t.Errorf("Expected 200, got %d", code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Server hasn't called Run() so ready is false
	code, _ := do(t, s, "GET", "/health/ready", "", "", "")
	if code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/v1/wallets/:holder/:counterparty",
		"GET:/v1/wallets/:holder/:counterparty/entries",
		"GET:/v1/purchases/:id",
		"GET:/v1/sessions/:id",
		"POST:/v1/sessions/:id/start",
		"POST:/v1/sessions/:id/complete",
		"PATCH:/v1/sessions/:id/dispute",
		"GET:/v1/refunds/:id",
		"POST:/v1/refunds/:id/resolve",
		"GET:/v1/payouts/:id",
		"POST:/v1/payouts/:id/flag",
		"POST:/v1/admin/release-held-payout",
		"POST:/v1/approvals",
		"GET:/v1/approvals/:id",
		"POST:/v1/approvals/:id/votes",
		"POST:/v1/approvals/:id/execute",
		"POST:/dev/process-purchase",
		"POST:/dev/book-session",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

func TestDevRoutesAbsentInProduction(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	for _, route := range s.router.Routes() {
		if strings.HasPrefix(route.Path, "/dev/") {
			t.Errorf("Dev route %s registered in production", route.Path)
		}
	}
}

// ---------------------------------------------------------------------------
// Identity tests
// ---------------------------------------------------------------------------

func TestMissingIdentityRejected(t *testing.T) {
	s := newTestServer(t)

	code, resp := do(t, s, "GET", "/v1/sessions/ses_x", "", "", "")
	if code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", code)
	}
	if resp["error"] != "unauthenticated" {
		t.Errorf("Expected 'unauthenticated' error, got %v", resp["error"])
	}
}

func TestAdminRouteRejectsUser(t *testing.T) {
	s := newTestServer(t)

	code, _ := do(t, s, "POST", "/v1/admin/release-held-payout", "usr_1", "user", `{"all":true,"reason":"x"}`)
	if code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", code)
	}
}

// ---------------------------------------------------------------------------
// Full lifecycle over HTTP (in-memory storage)
// ---------------------------------------------------------------------------

func TestPurchaseToRefundLifecycle(t *testing.T) {
	s := newTestServer(t)
	const buyer, seller = "usr_buyer", "usr_seller"

	// Buyer purchases 10 units at $2.00 each.
	code, resp := do(t, s, "POST", "/dev/process-purchase", buyer, "",
		`{"buyerId":"usr_buyer","sellerId":"usr_seller","units":10,"priceCents":200}`)
	if code != http.StatusCreated {
		t.Fatalf("process-purchase: expected 201, got %d: %v", code, resp)
	}
	if resp["credited"] != true {
		t.Fatalf("purchase not credited: %v", resp)
	}

	// Book a 10-unit session.
	code, resp = do(t, s, "POST", "/dev/book-session", buyer, "",
		`{"buyerId":"usr_buyer","sellerId":"usr_seller","units":10,"priceCents":200}`)
	if code != http.StatusCreated {
		t.Fatalf("book-session: expected 201, got %d: %v", code, resp)
	}
	sessionID, _ := resp["id"].(string)
	if sessionID == "" {
		t.Fatalf("no session id in %v", resp)
	}

	code, resp = do(t, s, "GET", "/v1/wallets/"+buyer+"/"+seller, buyer, "", "")
	if code != http.StatusOK {
		t.Fatalf("wallet: expected 200, got %d", code)
	}
	if resp["reservedUnits"] != float64(10) {
		t.Errorf("reservedUnits = %v, want 10", resp["reservedUnits"])
	}

	// Seller completes; units settle out of the buyer's wallet.
	code, resp = do(t, s, "POST", "/v1/sessions/"+sessionID+"/complete", seller, "", "")
	if code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %v", code, resp)
	}
	if resp["status"] != "awaiting_confirmation" {
		t.Errorf("session status = %v, want awaiting_confirmation", resp["status"])
	}

	code, resp = do(t, s, "GET", "/v1/wallets/"+buyer+"/"+seller, buyer, "", "")
	if code != http.StatusOK || resp["balanceUnits"] != float64(0) {
		t.Fatalf("after settle: code=%d balance=%v, want 0", code, resp["balanceUnits"])
	}

	// Buyer disputes within the window; $20 refund stays under the gate
	// threshold so an admin can resolve it directly.
	code, resp = do(t, s, "PATCH", "/v1/sessions/"+sessionID+"/dispute", buyer, "",
		`{"reason":"the delivered session was cut short by the seller"}`)
	if code != http.StatusCreated {
		t.Fatalf("dispute: expected 201, got %d: %v", code, resp)
	}
	refundID, _ := resp["id"].(string)
	if refundID == "" {
		t.Fatalf("no refund id in %v", resp)
	}
	if resp["amountCents"] != float64(2000) {
		t.Errorf("frozen amount = %v, want 2000", resp["amountCents"])
	}

	code, resp = do(t, s, "POST", "/v1/refunds/"+refundID+"/resolve", "adm_1", "admin",
		`{"decision":"approve"}`)
	if code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %v", code, resp)
	}
	if resp["status"] != "approved" {
		t.Errorf("refund status = %v, want approved", resp["status"])
	}

	// Clawback restored the buyer's units.
	code, resp = do(t, s, "GET", "/v1/wallets/"+buyer+"/"+seller, buyer, "", "")
	if code != http.StatusOK || resp["balanceUnits"] != float64(10) {
		t.Fatalf("after refund: code=%d balance=%v, want 10", code, resp["balanceUnits"])
	}

	code, resp = do(t, s, "GET", "/v1/sessions/"+sessionID, buyer, "", "")
	if code != http.StatusOK || resp["status"] != "refunded" {
		t.Fatalf("session after refund: code=%d status=%v, want refunded", code, resp["status"])
	}
}

func TestBookSessionRequiresBalance(t *testing.T) {
	s := newTestServer(t)

	code, resp := do(t, s, "POST", "/dev/book-session", "usr_broke", "",
		`{"buyerId":"usr_broke","sellerId":"usr_seller","units":5,"priceCents":100}`)
	if code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422, got %d: %v", code, resp)
	}
	if resp["error"] != "insufficient_balance" {
		t.Errorf("Expected 'insufficient_balance', got %v", resp["error"])
	}
}

func TestStrangerCannotReadSession(t *testing.T) {
	s := newTestServer(t)

	do(t, s, "POST", "/dev/process-purchase", "usr_b", "",
		`{"buyerId":"usr_b","sellerId":"usr_s","units":2,"priceCents":100}`)
	_, resp := do(t, s, "POST", "/dev/book-session", "usr_b", "",
		`{"buyerId":"usr_b","sellerId":"usr_s","units":2,"priceCents":100}`)
	sessionID, _ := resp["id"].(string)

	code, _ := do(t, s, "GET", "/v1/sessions/"+sessionID, "usr_stranger", "", "")
	if code != http.StatusForbidden {
		t.Errorf("Expected 403 for a stranger, got %d", code)
	}

	code, _ = do(t, s, "GET", "/v1/sessions/"+sessionID, "adm_1", "admin", "")
	if code != http.StatusOK {
		t.Errorf("Expected 200 for admin, got %d", code)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	code, _ := do(t, s, "GET", "/v1/nonexistent", "usr_1", "", "")
	if code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", code)
	}
}
