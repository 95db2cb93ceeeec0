// Copyright 2025 AxonFlow
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

package registry

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/querygate/connectors/base"
	"axonflow/querygate/shared/logger"
)

var recordCols = []string{"id", "user_id", "connection_name", "connection_url", "is_default", "is_active", "created_at", "last_used_at"}

func newMockRecordStore(t *testing.T) (*PostgreSQLRecordStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgreSQLRecordStoreFromDB(db, logger.Nop()), mock
}

func TestPostgreSQLRecordStoreGet(t *testing.T) {
	store, mock := newMockRecordStore(t)
	created := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(getRecordQuery)).
		WithArgs("7", "42").
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow("7", "42", "analytics", "v1.abc", true, true, created, nil))

	rec, err := store.Get(context.Background(), "42", "7")
	require.NoError(t, err)
	assert.Equal(t, "analytics", rec.DisplayName)
	assert.Equal(t, "v1.abc", rec.EncryptedURI)
	assert.True(t, rec.IsDefault)
	assert.Nil(t, rec.LastUsedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLRecordStoreGetMissing(t *testing.T) {
	store, mock := newMockRecordStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(getRecordQuery)).
		WithArgs("7", "other-user").
		WillReturnRows(sqlmock.NewRows(recordCols))

	_, err := store.Get(context.Background(), "other-user", "7")
	assert.True(t, errors.Is(err, base.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLRecordStoreDefault(t *testing.T) {
	store, mock := newMockRecordStore(t)
	used := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(defaultRecordQuery)).
		WithArgs("42").
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow("9", "42", "main", "v1.def", true, true, used, used))

	rec, err := store.Default(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "9", rec.ID)
	require.NotNil(t, rec.LastUsedAt)
	assert.Equal(t, used, *rec.LastUsedAt)

	mock.ExpectQuery(regexp.QuoteMeta(defaultRecordQuery)).
		WithArgs("43").
		WillReturnRows(sqlmock.NewRows(recordCols))
	_, err = store.Default(context.Background(), "43")
	assert.True(t, errors.Is(err, base.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLRecordStoreList(t *testing.T) {
	store, mock := newMockRecordStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(listRecordsQuery)).
		WithArgs("42").
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow("1", "42", "a", "v1.a", false, true, now, nil).
			AddRow("2", "42", "b", "v1.b", true, true, now, nil))

	recs, err := store.List(context.Background(), "42")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[1].DisplayName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLRecordStoreQueryError(t *testing.T) {
	store, mock := newMockRecordStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(listRecordsQuery)).
		WithArgs("42").
		WillReturnError(errors.New("connection reset by peer"))

	_, err := store.List(context.Background(), "42")
	require.Error(t, err)
	assert.True(t, errors.Is(err, base.ErrConnection))
	assert.True(t, base.IsRetryable(err))
}

func TestMemoryRecordStore(t *testing.T) {
	store := NewMemoryRecordStore()
	ctx := context.Background()

	store.Put(ConnectionRecord{ID: "1", OwnerID: "u1", DisplayName: "first", IsDefault: true, IsActive: true})
	store.Put(ConnectionRecord{ID: "2", OwnerID: "u1", DisplayName: "second", IsDefault: true, IsActive: true})
	store.Put(ConnectionRecord{ID: "3", OwnerID: "u1", DisplayName: "archived", IsActive: false})
	store.Put(ConnectionRecord{ID: "4", OwnerID: "u2", DisplayName: "theirs", IsDefault: true, IsActive: true})

	def, err := store.Default(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "2", def.ID, "a new default replaces the old one")

	_, err = store.Get(ctx, "u1", "3")
	assert.True(t, errors.Is(err, base.ErrNotFound), "inactive records are hidden")
	_, err = store.Get(ctx, "u1", "4")
	assert.True(t, errors.Is(err, base.ErrNotFound), "other owners' records are hidden")

	list, err := store.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0].DisplayName)

	store.Delete("2")
	_, err = store.Default(ctx, "u1")
	assert.True(t, errors.Is(err, base.ErrNotFound))
}
