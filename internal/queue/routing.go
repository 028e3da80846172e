// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"crypto/rand"
	"strings"
)

const (
	// AdminPrefix is the first segment of every admin routing key.
	AdminPrefix = "admin"

	adminSuffixLen = 10
	suffixAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// versionSegment replaces dots so a version occupies one key segment.
func versionSegment(version string) string {
	return strings.ReplaceAll(version, ".", "-")
}

// RequestRoutingKey returns "namespace.system.version'.instance" where
// version' is version with dots replaced by dashes.
func RequestRoutingKey(namespace, system, version, instance string) string {
	return joinKey(namespace, system, versionSegment(version), instance)
}

// AdminRoutingKey returns the admin routing key for an instance followed by
// a random suffix. The result doubles as the admin queue name.
func AdminRoutingKey(namespace, system, version, instance string) string {
	return joinKey(AdminPrefix, namespace, system, versionSegment(version), instance, randomSuffix(adminSuffixLen))
}

// AdminKeyPrefix returns the admin key for the given coordinates without a
// suffix. Trailing empty coordinates are dropped, so AdminKeyPrefix("ns", "",
// "", "") addresses every admin queue in namespace ns.
func AdminKeyPrefix(namespace, system, version, instance string) string {
	parts := []string{AdminPrefix}
	for _, p := range []string{namespace, system, versionSegment(version), instance} {
		if p == "" {
			break
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, ".")
}

// AdminBindingKeys returns the prefix chain an admin queue is bound with:
// admin, admin.ns, admin.ns.sys, admin.ns.sys.ver, admin.ns.sys.ver.inst.
func AdminBindingKeys(namespace, system, version, instance string) []string {
	segments := []string{AdminPrefix, namespace, system, versionSegment(version), instance}
	keys := make([]string, 0, len(segments))
	for i := range segments {
		keys = append(keys, strings.Join(segments[:i+1], "."))
	}
	return keys
}

// IsAdminQueue reports whether name is an admin queue name.
func IsAdminQueue(name string) bool {
	return name == AdminPrefix || strings.HasPrefix(name, AdminPrefix+".")
}

// MatchBinding reports whether routingKey matches an AMQP topic binding
// pattern. "*" matches exactly one segment and "#" matches zero or more.
func MatchBinding(pattern, routingKey string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchSegments(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchSegments(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

func joinKey(parts ...string) string {
	return strings.Join(parts, ".")
}

func randomSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("queue: crypto/rand failed: " + err.Error())
	}
	for i, b := range buf {
		buf[i] = suffixAlphabet[int(b)%len(suffixAlphabet)]
	}
	return string(buf)
}
