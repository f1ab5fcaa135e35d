package csrf

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kestrelhq/crm-api/internal/httpx"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testRouter() *gin.Engine {
	guard := NewGuard(
		httpx.CookieWriter{CSRFTTL: 24 * time.Hour},
		[]string{"/api/webhooks"},
		[]string{"/api/auth/login", "/api/auth/register", "/api/auth/refresh"},
	)

	r := gin.New()
	r.Use(guard.Middleware())
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.GET("/api/contacts", ok)
	r.POST("/api/contacts", ok)
	r.PUT("/api/contacts/1", ok)
	r.DELETE("/api/contacts/1", ok)
	r.POST("/api/auth/login", ok)
	r.POST("/api/webhooks/voice", ok)
	r.GET("/api/auth/csrf", guard.Issue)
	return r
}

func doRequest(r *gin.Engine, method, path, cookie, header string, headerName string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: httpx.CSRFCookie, Value: cookie})
	}
	if header != "" {
		req.Header.Set(headerName, header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func validSecret() string { return strings.Repeat("ab", 32) }

func TestSafeMethodPassesAndIssuesCookie(t *testing.T) {
	r := testRouter()
	w := doRequest(r, http.MethodGet, "/api/contacts", "", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", w.Code)
	}

	var issued bool
	for _, c := range w.Result().Cookies() {
		if c.Name == httpx.CSRFCookie && wellFormed(c.Value) {
			issued = true
		}
	}
	if !issued {
		t.Fatal("safe request without secret did not issue a csrf cookie")
	}
}

func TestExactMatchAccepted(t *testing.T) {
	r := testRouter()
	secret := validSecret()

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		path := "/api/contacts"
		if method != http.MethodPost {
			path = "/api/contacts/1"
		}
		w := doRequest(r, method, path, secret, secret, HeaderCanonical)
		if w.Code != http.StatusOK {
			t.Errorf("%s with matching pair: status = %d, want 200", method, w.Code)
		}
	}
}

func TestLegacyHeaderAccepted(t *testing.T) {
	r := testRouter()
	secret := validSecret()

	w := doRequest(r, http.MethodPost, "/api/contacts", secret, secret, HeaderLegacy)
	if w.Code != http.StatusOK {
		t.Fatalf("legacy header: status = %d, want 200", w.Code)
	}
}

func TestMissingCookieRejected(t *testing.T) {
	r := testRouter()
	w := doRequest(r, http.MethodPost, "/api/contacts", "", validSecret(), HeaderCanonical)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if !strings.Contains(w.Body.String(), httpx.MsgCSRFMissing) {
		t.Fatalf("body = %s, want %q", w.Body.String(), httpx.MsgCSRFMissing)
	}
}

func TestMissingHeaderRejected(t *testing.T) {
	r := testRouter()
	w := doRequest(r, http.MethodPost, "/api/contacts", validSecret(), "", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if !strings.Contains(w.Body.String(), httpx.MsgCSRFMissing) {
		t.Fatalf("body = %s, want %q", w.Body.String(), httpx.MsgCSRFMissing)
	}
}

func TestSingleByteMismatchRejected(t *testing.T) {
	r := testRouter()
	secret := validSecret()
	flipped := "f" + secret[1:]

	w := doRequest(r, http.MethodPost, "/api/contacts", secret, flipped, HeaderCanonical)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if !strings.Contains(w.Body.String(), httpx.MsgCSRFInvalid) {
		t.Fatalf("body = %s, want %q", w.Body.String(), httpx.MsgCSRFInvalid)
	}
}

func TestLengthMismatchRejectedWithoutPanic(t *testing.T) {
	r := testRouter()
	// A truncated header is malformed, which reads as missing.
	w := doRequest(r, http.MethodPost, "/api/contacts", validSecret(), "abcd", HeaderCanonical)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestMalformedCookieRejected(t *testing.T) {
	r := testRouter()
	notHex := strings.Repeat("zz", 32)
	w := doRequest(r, http.MethodPost, "/api/contacts", notHex, notHex, HeaderCanonical)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestPreAuthAndWebhookExempt(t *testing.T) {
	r := testRouter()

	if w := doRequest(r, http.MethodPost, "/api/auth/login", "", "", ""); w.Code != http.StatusOK {
		t.Errorf("login exempt: status = %d, want 200", w.Code)
	}
	if w := doRequest(r, http.MethodPost, "/api/webhooks/voice", "", "", ""); w.Code != http.StatusOK {
		t.Errorf("webhook exempt: status = %d, want 200", w.Code)
	}
}

func TestIssueReusesExistingSecret(t *testing.T) {
	r := testRouter()
	secret := validSecret()

	w := doRequest(r, http.MethodGet, "/api/auth/csrf", secret, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("issue: status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), secret) {
		t.Fatal("issuance endpoint regenerated an existing valid secret")
	}
}

func TestNewSecretWellFormedAndUnique(t *testing.T) {
	a, err := NewSecret()
	if err != nil {
		t.Fatalf("NewSecret failed: %v", err)
	}
	b, err := NewSecret()
	if err != nil {
		t.Fatalf("NewSecret failed: %v", err)
	}
	if !wellFormed(a) || !wellFormed(b) {
		t.Fatalf("generated secrets not well-formed: %q %q", a, b)
	}
	if a == b {
		t.Fatal("two generated secrets collide")
	}
}
