package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type Timestamps struct {
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type planRow struct {
	ID        string `db:"id"`
	TenantID  string `db:"tenant_id"`
	UserLimit *int   `db:"user_limit"`
	Internal  string `db:"-"`
	Timestamps
}

func TestExtractDBColumns_EmbeddedAndIgnored(t *testing.T) {
	cols := ExtractDBColumns[planRow]()

	assert.Equal(t, []string{"id", "tenant_id", "user_limit", "created_at", "updated_at"}, cols)
	assert.Equal(t, cols, ExtractDBColumns[*planRow]())
}

func TestStructToMap(t *testing.T) {
	now := time.Now().UTC()
	limit := 8
	row := planRow{
		ID:         "sub-1",
		TenantID:   "t-acme",
		UserLimit:  &limit,
		Internal:   "skip",
		Timestamps: Timestamps{CreatedAt: now, UpdatedAt: now},
	}

	m := StructToMap(row)

	assert.Len(t, m, 5)
	assert.Equal(t, "sub-1", m["id"])
	assert.Equal(t, "t-acme", m["tenant_id"])
	assert.Equal(t, &limit, m["user_limit"])
	assert.Equal(t, now, m["created_at"])
	assert.NotContains(t, m, "-")

	assert.Equal(t, m, StructToMap(&row))
}

func TestStructToMap_NonStruct(t *testing.T) {
	assert.Nil(t, StructToMap(42))
	assert.Nil(t, StructToMap((*planRow)(nil)))
}
