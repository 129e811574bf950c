package locks

import (
	"fmt"
	"hash/fnv"
)

// Lock keys carry a class in the top byte so rule locks and the leadership
// key live in disjoint ranges of the shared advisory keyspace.
const (
	classShift = 56
	classMask  = int64(0x00FFFFFFFFFFFFFF)

	classLeadership int64 = 1
	classRule       int64 = 2
)

// LeadershipKey is the fixed cluster-wide key every instance contends for.
func LeadershipKey() int64 {
	return classLeadership << classShift
}

// RuleKey folds a rule id into the rule lock class via FNV-1a, truncated to
// 56 bits so the class byte survives.
func RuleKey(ruleID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(ruleID))
	return (classRule << classShift) | (int64(h.Sum64()) & classMask)
}

// lockName renders a key for backends addressed by string (redis, mysql).
func lockName(key int64) string {
	return fmt.Sprintf("flowsentry:lock:%d", key)
}
