package tag

import (
	"time"

	"go.uber.org/zap"
)

// Tag is a structured logging field. Components never build zap fields
// directly; they go through the typed constructors below so field names stay
// consistent across the codebase.
type Tag struct {
	field zap.Field
}

// Field returns the underlying zap field.
func (t Tag) Field() zap.Field {
	return t.field
}

func newStringTag(key, value string) Tag {
	return Tag{field: zap.String(key, value)}
}

func newInt64Tag(key string, value int64) Tag {
	return Tag{field: zap.Int64(key, value)}
}

func newIntTag(key string, value int) Tag {
	return Tag{field: zap.Int(key, value)}
}

func newDurationTag(key string, value time.Duration) Tag {
	return Tag{field: zap.Duration(key, value)}
}

// Error returns a tag for an error value.
func Error(err error) Tag {
	return Tag{field: zap.Error(err)}
}

// Value returns a tag for an arbitrary value. Prefer a typed tag when one
// exists.
func Value(v interface{}) Tag {
	return Tag{field: zap.Any("value", v)}
}

func Namespace(v string) Tag { return newStringTag("namespace", v) }

func WorkflowID(v string) Tag { return newStringTag("workflow-id", v) }

func WorkflowRunID(v string) Tag { return newStringTag("run-id", v) }

func WorkflowType(v string) Tag { return newStringTag("workflow-type", v) }

func WorkflowState(v string) Tag { return newStringTag("workflow-state", v) }

func ShardID(v int) Tag { return newIntTag("shard-id", v) }

func ShardOwner(v string) Tag { return newStringTag("shard-owner", v) }

func TaskQueue(v string) Tag { return newStringTag("task-queue", v) }

func TaskID(v int64) Tag { return newInt64Tag("task-id", v) }

func LeaseID(v string) Tag { return newStringTag("lease-id", v) }

func WorkerIdentity(v string) Tag { return newStringTag("worker-identity", v) }

func Attempt(v int32) Tag { return Tag{field: zap.Int32("attempt", v)} }

func EventID(v int64) Tag { return newInt64Tag("event-id", v) }

func Counter(v int) Tag { return newIntTag("counter", v) }

func Duration(v time.Duration) Tag { return newDurationTag("duration", v) }

func Reason(v string) Tag { return newStringTag("reason", v) }

func StoreOperation(v string) Tag { return newStringTag("store-operation", v) }

func StoreType(v string) Tag { return newStringTag("store-type", v) }

func QueueDepth(v int) Tag { return newIntTag("queue-depth", v) }

func EffectID(v string) Tag { return newStringTag("effect-id", v) }

func ChangeID(v string) Tag { return newStringTag("change-id", v) }
