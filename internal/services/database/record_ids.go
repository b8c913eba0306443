package database

import (
	"encoding/binary"
	"reflect"

	"github.com/Egham-7/adaptive-governor/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const recordIDCallback = "governor:usage_record_id"

// registerRecordIDs fills usage record ids before insert, for backends
// without auto increment. Ids are random, not ordered.
func registerRecordIDs(db *gorm.DB) error {
	return db.Callback().Create().Before("gorm:create").Register(recordIDCallback, assignRecordIDs)
}

func assignRecordIDs(tx *gorm.DB) {
	stmt := tx.Statement
	if stmt.Schema == nil || stmt.Schema.Table != (models.UsageRecord{}).TableName() {
		return
	}
	field := stmt.Schema.PrioritizedPrimaryField
	if field == nil {
		return
	}

	assign := func(rv reflect.Value) {
		rv = reflect.Indirect(rv)
		if rv.Kind() != reflect.Struct {
			return
		}
		if _, zero := field.ValueOf(stmt.Context, rv); zero {
			if err := field.Set(stmt.Context, rv, newRecordID()); err != nil {
				_ = tx.AddError(err)
			}
		}
	}

	switch rv := stmt.ReflectValue; rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := range rv.Len() {
			assign(rv.Index(i))
		}
	default:
		assign(rv)
	}
}

// newRecordID is 63 random bits, so it fits signed columns too.
func newRecordID() uint64 {
	for {
		id := uuid.New()
		if v := binary.BigEndian.Uint64(id[:8]) >> 1; v != 0 {
			return v
		}
	}
}
