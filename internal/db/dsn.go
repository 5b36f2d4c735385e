package db

import (
	"fmt"
	"net/url"
	"strings"
)

// Redact returns dsn with any password replaced, for logging. Supports
// postgres:// and postgresql:// URLs; key=value DSNs are reduced to their
// host and dbname.
func Redact(dsn string) (string, error) {
	if dsn == "" {
		return "", fmt.Errorf("empty DSN")
	}
	if !strings.Contains(dsn, "://") {
		return redactKeyValue(dsn), nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("unsupported DSN scheme %q", u.Scheme)
	}
	return u.Redacted(), nil
}

func redactKeyValue(dsn string) string {
	var keep []string
	for _, field := range strings.Fields(dsn) {
		k, _, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch k {
		case "host", "port", "dbname", "user":
			keep = append(keep, field)
		}
	}
	return strings.Join(keep, " ")
}
