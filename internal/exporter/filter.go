package exporter

import (
	"fmt"
	"strings"
)

// ParseFilter builds a Filter from "account", "account:conversation" and
// "account:conversation=token" items. Naming an account on its own allows all
// of its conversations even if other items name some of them.
func ParseFilter(items []string) (Filter, error) {
	f := make(Filter)
	whole := make(map[string]bool)
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		acct, rest, hasSession := strings.Cut(item, ":")
		if acct == "" {
			return nil, fmt.Errorf("filter %q: missing account", item)
		}
		if !hasSession {
			whole[acct] = true
			f[acct] = nil
			continue
		}
		sess, tok, _ := strings.Cut(rest, "=")
		if sess == "" {
			return nil, fmt.Errorf("filter %q: missing conversation", item)
		}
		if whole[acct] {
			continue
		}
		if f[acct] == nil {
			f[acct] = make(map[string]Token)
		}
		f[acct][sess] = Token(tok)
	}
	return f, nil
}
