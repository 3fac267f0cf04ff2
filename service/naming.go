package service

import (
	"strings"
	"unicode"
)

// namespaceSuffix is stripped from a handler type name to form its namespace.
const namespaceSuffix = "Service"

// DeriveNamespace returns typeName with one trailing "Service" removed.
// Case is preserved: "CoreService" → "Core", "coreService" → "core".
func DeriveNamespace(typeName string) string {
	return strings.TrimSuffix(typeName, namespaceSuffix)
}

// MethodName converts an exported Go method name to its wire name:
// "GetServices" → "get_services", "GetHTTPStatus" → "get_http_status".
// Digits stay with the word before them.
func MethodName(goName string) string {
	runes := []rune(goName)
	var b strings.Builder
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			// a new word starts after a lower-case letter or digit, and at
			// the last capital of an acronym followed by a lower-case letter
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if !unicode.IsUpper(prev) || nextLower {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
