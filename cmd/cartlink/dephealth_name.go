package main

import (
	"os"
	"strings"
)

// dephealthName возвращает имя вершины графа topologymetrics:
// DEPHEALTH_NAME, иначе владелец пода из hostname, иначе "cartlink".
func dephealthName(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "cartlink"
	}
	return parseOwnerName(host)
}

// parseOwnerName извлекает имя владельца пода из hostname:
//
//	Deployment:  <name>-<hash replicaset>-<suffix> → <name>
//	StatefulSet: <name>-<ordinal>                  → <name>
//
// Остальные имена возвращаются как есть.
func parseOwnerName(hostname string) string {
	parts := strings.Split(hostname, "-")
	n := len(parts)

	if n >= 3 && len(parts[n-1]) == 5 && isAlnumLower(parts[n-1]) &&
		len(parts[n-2]) >= 6 && len(parts[n-2]) <= 10 && isAlnumLower(parts[n-2]) {
		return strings.Join(parts[:n-2], "-")
	}
	if n >= 2 && isDigits(parts[n-1]) {
		return strings.Join(parts[:n-1], "-")
	}
	return hostname
}

func isAlnumLower(s string) bool {
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return s != ""
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}
