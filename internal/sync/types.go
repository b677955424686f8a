package sync

import (
	"fmt"

	"hub-sync-service/internal/entity"
)

type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
	Delete EventType = "DELETE"
)

// ChangeEvent is a row change on an entity table, read from the Store's
// binlog. Only the entity type is acted on; the rows are kept for logging.
type ChangeEvent struct {
	Type       EventType
	Schema     string
	Table      string
	EntityType entity.EntityType
	Rows       [][]interface{} // For Insert/Delete, or Update (old/new pairs)
	Timestamp  uint32
	BinlogFile string
	BinlogPos  uint32
}

func (e ChangeEvent) String() string {
	return fmt.Sprintf("[%s] %s.%s (%d rows)", e.Type, e.Schema, e.Table, len(e.Rows))
}
