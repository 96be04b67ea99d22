package workload

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Extract returns the value at a JSONPath-style path ("$.user.token",
// "$.items[0].id") or a plain gjson path ("user.token") in a JSON body.
func Extract(body []byte, path string) (string, error) {
	if len(body) == 0 {
		return "", fmt.Errorf("empty JSON body")
	}
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("invalid JSON body")
	}

	res := gjson.GetBytes(body, toGJSONPath(path))
	if !res.Exists() {
		return "", fmt.Errorf("path not found: %s", path)
	}
	if res.Type == gjson.Null {
		return "null", nil
	}
	return res.String(), nil
}

// toGJSONPath converts $.a['b'][0] notation to a.b.0.
func toGJSONPath(path string) string {
	p := strings.TrimPrefix(path, "$")
	if p == "" {
		return "@this"
	}
	p = strings.TrimPrefix(p, ".")

	r := strings.NewReplacer(`['`, ".", `']`, "", `["`, ".", `"]`, "", "[", ".", "]", "")
	p = r.Replace(p)
	return strings.TrimPrefix(p, ".")
}
