package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},

		{"1234567890123456789012345678901234567890", false},
		{"0x12345678901234567890123456789012345678", false},
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},
		{"", false},
	}

	for _, tc := range tests {
		if got := IsValidEthAddress(tc.addr); got != tc.valid {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tc.addr, got, tc.valid)
		}
	}
}

func TestIsValidTxHash(t *testing.T) {
	good := "0x" + strings.Repeat("ab", 32)
	tests := []struct {
		hash  string
		valid bool
	}{
		{good, true},
		{strings.ToUpper(good[:2]) + strings.ToUpper(good[2:]), false}, // 0X prefix
		{"0x" + strings.Repeat("AB", 32), true},
		{good[:65], false},
		{good + "a", false},
		{strings.Repeat("ab", 32), false},
		{"0x" + strings.Repeat("zz", 32), false},
		{"", false},
	}

	for _, tc := range tests {
		if got := IsValidTxHash(tc.hash); got != tc.valid {
			t.Errorf("IsValidTxHash(%q) = %v, want %v", tc.hash, got, tc.valid)
		}
	}
}

func TestNormalizeTxHash(t *testing.T) {
	in := "  0x" + strings.Repeat("AB", 32) + "\n"
	want := "0x" + strings.Repeat("ab", 32)
	if got := NormalizeTxHash(in); got != want {
		t.Errorf("NormalizeTxHash = %q, want %q", got, want)
	}
}

func TestIsValidProjectID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"proj_123", true},
		{"acme.prod:eu-1", true},
		{"-leading", false},
		{"has space", false},
		{"slash/inside", false},
		{strings.Repeat("a", 129), false},
		{"", false},
	}

	for _, tc := range tests {
		if got := IsValidProjectID(tc.id); got != tc.valid {
			t.Errorf("IsValidProjectID(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestSanitizeAddress(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"0xABCDEF1234567890123456789012345678901234", "0xabcdef1234567890123456789012345678901234"},
		{"  0x1234567890123456789012345678901234567890  ", "0x1234567890123456789012345678901234567890"},
		{"1234567890123456789012345678901234567890", "0x1234567890123456789012345678901234567890"},
	}

	for _, tc := range tests {
		if got := SanitizeAddress(tc.input); got != tc.expected {
			t.Errorf("SanitizeAddress(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello\x00world  ", 20); got != "helloworld" {
		t.Errorf("got %q", got)
	}
	if got := SanitizeString("hello world", 5); got != "hello" {
		t.Errorf("got %q", got)
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("projectId", "proj_1"),
		ValidTxHash("txHash", "0x"+strings.Repeat("0", 64)),
		ValidProjectID("projectId", "proj_1"),
	)
	if len(errs) != 0 {
		t.Errorf("Expected no errors, got %v", errs)
	}

	errs = Validate(
		Required("projectId", " "),
		ValidTxHash("txHash", "0x1234"),
		ValidAddress("treasury", "nope"),
		MaxLength("tier", "enterprise-plus-plus", 10),
	)
	if len(errs) != 4 {
		t.Fatalf("Expected 4 errors, got %d", len(errs))
	}
	if errs.Error() != "projectId: is required" {
		t.Errorf("unexpected first error %q", errs.Error())
	}
}

func TestProjectParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/projects/:id", ProjectParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/projects/proj_1", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/projects/%20bad", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
