// Package features converts one raw HTTP request into a fixed-size numeric
// fingerprint plus a stable signature string. Extraction is deterministic,
// side-effect free, and never fails: missing or malformed parts degrade to
// zero-valued features so every request yields a vector of the same length.
package features

import (
	"math"
	"net/url"
	"strings"
)

// VectorLen is the fixed length of every extracted feature vector. Models
// are trained against this exact shape; changing it requires a new model
// schema version.
const VectorLen = 30

// Vector is an ordered, fixed-length feature vector.
type Vector []float64

var featureNames = []string{
	"path_length", "path_depth", "query_length", "param_count",
	"max_param_length", "body_length", "header_count", "user_agent_length",
	"cookie_count", "has_referer", "method_get", "method_post", "method_put",
	"method_delete", "method_other", "content_json", "content_form",
	"content_multipart", "path_entropy", "query_entropy", "combined_entropy",
	"special_char_ratio", "numeric_ratio", "uppercase_ratio",
	"longest_special_run", "sql_keyword_count", "xss_pattern_count",
	"traversal_marker_count", "cmd_marker_count", "has_query_params",
}

// Names returns the feature names in vector order.
func Names() []string {
	out := make([]string, len(featureNames))
	copy(out, featureNames)
	return out
}

// RawRequest is the inbound request context handed over by the reverse-proxy
// collaborator. Any field may be empty.
type RawRequest struct {
	TenantID string
	Method   string
	Path     string
	Query    string
	Headers  map[string]string
	Body     []byte
	ClientIP string
}

// Header returns a header value with case-insensitive key matching.
func (r RawRequest) Header(key string) string {
	for k, v := range r.Headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// Fingerprint is the extractor output: the vector scored by the anomaly
// detector, the signature used as a mining key, and the dominant attack
// category detected by token matching.
type Fingerprint struct {
	Vector    Vector
	Signature string
	Category  Category
}

// Extract computes the fingerprint for one request.
func Extract(req RawRequest) Fingerprint {
	v := make(Vector, VectorLen)

	path := req.Path
	query := req.Query
	body := string(req.Body)
	combined := path + query + body
	lower := strings.ToLower(combined)

	v[0] = float64(len(path))
	v[1] = float64(pathDepth(path))
	v[2] = float64(len(query))

	params := parseParams(query)
	v[3] = float64(len(params))
	v[4] = float64(maxParamLen(params))

	v[5] = float64(len(req.Body))
	v[6] = float64(len(req.Headers))
	v[7] = float64(len(req.Header("User-Agent")))
	v[8] = float64(cookieCount(req.Header("Cookie")))
	if req.Header("Referer") != "" {
		v[9] = 1
	}

	switch strings.ToUpper(req.Method) {
	case "GET":
		v[10] = 1
	case "POST":
		v[11] = 1
	case "PUT":
		v[12] = 1
	case "DELETE":
		v[13] = 1
	default:
		v[14] = 1
	}

	ct := strings.ToLower(req.Header("Content-Type"))
	if strings.Contains(ct, "json") {
		v[15] = 1
	}
	if strings.Contains(ct, "form") {
		v[16] = 1
	}
	if strings.Contains(ct, "multipart") {
		v[17] = 1
	}

	v[18] = shannonEntropy(path)
	v[19] = shannonEntropy(query)
	v[20] = shannonEntropy(combined)
	v[21] = specialCharRatio(combined)
	v[22] = numericRatio(combined)
	v[23] = uppercaseRatio(combined)
	v[24] = float64(longestSpecialRun(combined))

	counts, dominant := detectCategories(lower)
	v[25] = float64(counts[0])
	v[26] = float64(counts[1])
	v[27] = float64(counts[2])
	v[28] = float64(counts[3])

	if query != "" {
		v[29] = 1
	}

	return Fingerprint{
		Vector:    v,
		Signature: Signature(req.Method, path, counts),
		Category:  dominant,
	}
}

func pathDepth(path string) int {
	n := 0
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			n++
		}
	}
	return n
}

// parseParams tolerates malformed query strings: url.ParseQuery errors are
// ignored and whatever parsed is used.
func parseParams(query string) url.Values {
	if query == "" {
		return nil
	}
	params, _ := url.ParseQuery(query)
	return params
}

func maxParamLen(params url.Values) int {
	longest := 0
	for _, vals := range params {
		for _, val := range vals {
			if len(val) > longest {
				longest = len(val)
			}
		}
	}
	return longest
}

func cookieCount(cookie string) int {
	if cookie == "" {
		return 0
	}
	return strings.Count(cookie, ";") + 1
}

func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	var freq [256]int
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}
	entropy := 0.0
	n := float64(len(s))
	for _, c := range freq {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func isSpecial(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return false
	case c == '/', c == '.', c == '-', c == '_':
		// normal URL structure, not counted as suspicious
		return false
	}
	return true
}

func specialCharRatio(s string) float64 {
	if s == "" {
		return 0
	}
	n := 0
	for i := 0; i < len(s); i++ {
		if isSpecial(s[i]) {
			n++
		}
	}
	return float64(n) / float64(len(s))
}

func numericRatio(s string) float64 {
	if s == "" {
		return 0
	}
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			n++
		}
	}
	return float64(n) / float64(len(s))
}

func uppercaseRatio(s string) float64 {
	alpha, upper := 0, 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			alpha++
			if c <= 'Z' && c >= 'A' {
				upper++
			}
		}
	}
	if alpha == 0 {
		return 0
	}
	return float64(upper) / float64(alpha)
}

func longestSpecialRun(s string) int {
	longest, run := 0, 0
	for i := 0; i < len(s); i++ {
		if isSpecial(s[i]) {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 0
		}
	}
	return longest
}
