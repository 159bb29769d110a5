package features

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFixedLength(t *testing.T) {
	cases := []RawRequest{
		{},
		{Method: "GET", Path: "/"},
		{Method: "POST", Path: "/api/users", Query: "page=2", Body: []byte(`{"name":"x"}`)},
		{Method: "WEIRD", Path: "/a/b/c", Query: "%zz=broken%"},
	}
	for _, req := range cases {
		fp := Extract(req)
		assert.Len(t, fp.Vector, VectorLen)
		assert.NotEmpty(t, fp.Signature)
	}
}

func TestExtractDeterministic(t *testing.T) {
	req := RawRequest{
		Method:  "POST",
		Path:    "/api/login",
		Query:   "next=/dashboard",
		Headers: map[string]string{"User-Agent": "curl/8.0", "Content-Type": "application/json"},
		Body:    []byte(`{"user":"alice"}`),
	}
	a := Extract(req)
	b := Extract(req)
	assert.Equal(t, a.Vector, b.Vector)
	assert.Equal(t, a.Signature, b.Signature)
	assert.Equal(t, a.Category, b.Category)
}

func TestExtractMethodOneHot(t *testing.T) {
	get := Extract(RawRequest{Method: "get", Path: "/x"})
	assert.Equal(t, 1.0, get.Vector[10])
	assert.Equal(t, 0.0, get.Vector[11])

	patch := Extract(RawRequest{Method: "PATCH", Path: "/x"})
	assert.Equal(t, 1.0, patch.Vector[14])
}

func TestExtractSQLInjectionSignals(t *testing.T) {
	benign := Extract(RawRequest{Method: "GET", Path: "/products", Query: "page=1&sort=name"})
	attack := Extract(RawRequest{
		Method: "GET",
		Path:   "/products",
		Query:  "id=1' UNION SELECT password FROM users--",
	})

	assert.Equal(t, 0.0, benign.Vector[25])
	assert.Greater(t, attack.Vector[25], 0.0)
	assert.Equal(t, CategorySQLInjection, attack.Category)
	assert.Greater(t, attack.Vector[21], benign.Vector[21], "injection should raise the special char ratio")
}

func TestExtractXSSSignals(t *testing.T) {
	fp := Extract(RawRequest{
		Method: "POST",
		Path:   "/comments",
		Body:   []byte(`text=<script>alert(document.cookie)</script>`),
	})
	assert.Greater(t, fp.Vector[26], 0.0)
	assert.Equal(t, CategoryXSS, fp.Category)
}

func TestExtractHeaderFeatures(t *testing.T) {
	fp := Extract(RawRequest{
		Method: "GET",
		Path:   "/",
		Headers: map[string]string{
			"user-agent": "Mozilla/5.0",
			"Cookie":     "a=1; b=2; c=3",
			"Referer":    "https://example.com",
		},
	})
	assert.Equal(t, float64(len("Mozilla/5.0")), fp.Vector[7])
	assert.Equal(t, 3.0, fp.Vector[8])
	assert.Equal(t, 1.0, fp.Vector[9])
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/users/:n", NormalizePath("/users/17"))
	assert.Equal(t, "/users/:n", NormalizePath("/users/424242"))
	assert.Equal(t, "/orders/:u/items", NormalizePath("/orders/0b06b908-61f4-4fbb-9b17-c4a6d3a7c001/items"))
	assert.Equal(t, "/t/:h", NormalizePath("/t/deadbeefdeadbeef"))
	assert.Equal(t, "/static/app.css", NormalizePath("/static/app.css"))
}

func TestSignatureCollapsesIDs(t *testing.T) {
	a := Extract(RawRequest{Method: "GET", Path: "/users/17"})
	b := Extract(RawRequest{Method: "GET", Path: "/users/42"})
	c := Extract(RawRequest{Method: "GET", Path: "/orders/42"})

	assert.Equal(t, a.Signature, b.Signature)
	assert.NotEqual(t, a.Signature, c.Signature)
}

func TestSignatureSeparatesCategories(t *testing.T) {
	plain := Extract(RawRequest{Method: "GET", Path: "/search", Query: "q=shoes"})
	sqli := Extract(RawRequest{Method: "GET", Path: "/search", Query: "q=' OR 1=1--"})
	require.NotEqual(t, plain.Signature, sqli.Signature)
}

func TestClassifyPayload(t *testing.T) {
	assert.Equal(t, CategorySQLInjection, ClassifyPayload("1 UNION SELECT * FROM users"))
	assert.Equal(t, CategoryXSS, ClassifyPayload("<script>alert(1)</script>"))
	assert.Equal(t, CategoryPathTraversal, ClassifyPayload("../../etc/passwd"))
	assert.Equal(t, CategoryGeneric, ClassifyPayload("hello world"))
}
