package rediskey

import "fmt"

const (
	ThrottlePrefix = "throttle"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildThrottleKey returns "throttle:{scope}:{subject}:{bucket}".
func BuildThrottleKey(scope, subject string, bucket int64) string {
	return NamespaceKey(ThrottlePrefix, fmt.Sprintf("%s:%s:%d", scope, subject, bucket))
}
