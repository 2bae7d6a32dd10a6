package cache

import "strings"

// Keyspace scopes cache keys to one record type so a whole type can be
// invalidated with a single prefix delete.
//
// Keys look like:
//
//	<namespace>::<operation>::<arg>::<arg>
type Keyspace struct {
	namespace  string
	serializer KeySerializer
}

// NewKeyspace returns a Keyspace rooted at namespace. A nil serializer uses the default.
func NewKeyspace(namespace string, serializer KeySerializer) Keyspace {
	if serializer == nil {
		serializer = NewDefaultKeySerializer()
	}
	return Keyspace{namespace: namespace, serializer: serializer}
}

// Namespace returns the record type namespace.
func (k Keyspace) Namespace() string {
	return k.namespace
}

// Key derives the key for operation called with args.
func (k Keyspace) Key(operation string, args ...any) string {
	return k.namespace + KeySeparator + k.serializer.SerializeKey(operation, args...)
}

// Prefix returns the prefix shared by every key of operation whose leading
// arguments equal args.
func (k Keyspace) Prefix(operation string, args ...any) string {
	return k.Key(operation, args...) + KeySeparator
}

// All returns the prefix covering every key in the namespace.
func (k Keyspace) All() string {
	return k.namespace + KeySeparator
}

// Owns reports whether key belongs to this namespace.
func (k Keyspace) Owns(key string) bool {
	return strings.HasPrefix(key, k.All())
}
