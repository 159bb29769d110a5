package features

import "strings"

// Category labels the attack family a request most resembles. It feeds the
// request signature and the suggestion engine's grouping; it is never a
// blocking decision by itself.
type Category string

const (
	CategorySQLInjection     Category = "sql_injection"
	CategoryXSS              Category = "xss"
	CategoryPathTraversal    Category = "path_traversal"
	CategoryCommandInjection Category = "command_injection"
	CategoryGeneric          Category = "generic"
)

// Token sets are matched case-insensitively against the concatenated
// path+query+body. Counts go into the feature vector; the dominant set
// decides the category flag.
var sqlTokens = []string{
	"union select", "union all select", "' or ", "or 1=1", "\" or ",
	"select ", "insert into", "update ", "delete from", "drop table",
	"drop database", "exec(", "execute(", "xp_", "sp_", "--", "/*", "*/",
	"information_schema", "load_file(", "benchmark(", "sleep(",
}

var xssTokens = []string{
	"<script", "</script>", "javascript:", "onerror=", "onload=",
	"onclick=", "onfocus=", "onmouseover=", "<iframe", "<svg", "eval(",
	"document.cookie", "alert(", "%3cscript", "&#x3c;script",
}

var traversalTokens = []string{
	"../", "..\\", "%2e%2e%2f", "%2e%2e/", "..%2f", "%252e%252e",
	"/etc/passwd", "/etc/shadow", "c:\\windows", "boot.ini", "win.ini",
}

var cmdTokens = []string{
	"$(", "`", "&&", "||", ";id", "; id", "|sh", "| sh", "/bin/sh",
	"/bin/bash", "%0a", "wget http", "curl http", "nc -e", "chmod 777",
	"powershell", "cmd.exe",
}

func countTokens(lower string, tokens []string) int {
	n := 0
	for _, tok := range tokens {
		n += strings.Count(lower, tok)
	}
	return n
}

// detectCategories returns the per-family token counts and the dominant
// category. Ties resolve in the order SQLi > XSS > traversal > command
// injection, the same precedence the rule engine reports.
func detectCategories(lower string) (counts [4]int, dominant Category) {
	counts[0] = countTokens(lower, sqlTokens)
	counts[1] = countTokens(lower, xssTokens)
	counts[2] = countTokens(lower, traversalTokens)
	counts[3] = countTokens(lower, cmdTokens)

	dominant = CategoryGeneric
	best := 0
	order := []Category{CategorySQLInjection, CategoryXSS, CategoryPathTraversal, CategoryCommandInjection}
	for i, cat := range order {
		if counts[i] > best {
			best = counts[i]
			dominant = cat
		}
	}
	return counts, dominant
}

// ClassifyPayload exposes category detection for raw payload strings.
// The suggestion engine uses it for its majority vote over blocked events.
func ClassifyPayload(payload string) Category {
	_, dominant := detectCategories(strings.ToLower(payload))
	return dominant
}
