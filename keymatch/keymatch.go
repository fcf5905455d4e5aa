// Package keymatch implements the key pattern matching shared by L1 bulk
// deletes and invalidation pattern messages.
//
// Pattern syntax:
//   - exact:  "user:123" matches only "user:123"
//   - prefix: "user:*" matches any key starting with "user:"
//   - regex:  anything else containing a regex metacharacter falls back to a
//     compiled, cached regular expression.
package keymatch

import (
	"regexp"
	"strings"
	"sync"
)

var regexCache sync.Map // map[string]*regexp.Regexp

// IsWildcard reports whether pattern is a simple trailing-* prefix pattern.
func IsWildcard(pattern string) bool {
	return strings.HasSuffix(pattern, "*") && strings.Count(pattern, "*") == 1
}

// Match reports whether key matches pattern.
func Match(pattern, key string) (bool, error) {
	if pattern == "" {
		return false, nil
	}
	if pattern == key {
		return true, nil
	}
	if IsWildcard(pattern) {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(key, prefix), nil
	}
	if !strings.ContainsAny(pattern, `.*+?()[]{}|^$\`) {
		// No wildcard and no regex metacharacters: exact match only.
		return false, nil
	}
	re, err := compile(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(key), nil
}

// Filter returns the subset of keys matching pattern.
func Filter(pattern string, keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if ok, err := Match(pattern, k); err == nil && ok {
			out = append(out, k)
		}
	}
	return out
}

func compile(pattern string) (*regexp.Regexp, error) {
	if v, ok := regexCache.Load(pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}
