package dnn

import (
	"fmt"
	"hash/fnv"
	"io"

	"github.com/born-ml/accel/internal/rewrite"
)

// CacheKey combines a structural hash of the registered rewrite rules with
// the detected backend version. The host's compiled-artifact cache uses it
// to invalidate kernels compiled against a different backend release or a
// different rule set.
func CacheKey(gate *Gate, reg *rewrite.Registry) (string, error) {
	version, err := gate.Version()
	if err != nil {
		return "", err
	}
	h := fnv.New64a()
	for _, rule := range reg.Rules() {
		io.WriteString(h, rule.Name)
		fmt.Fprintf(h, "/%d", rule.Priority)
		for _, tag := range rule.Tags {
			io.WriteString(h, "+"+tag)
		}
		io.WriteString(h, ";")
	}
	return fmt.Sprintf("accel-%d-%016x", version, h.Sum64()), nil
}
