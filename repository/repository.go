package repository

import (
	"context"
)

// Repository is a document store keyed by document ID.
// Save both creates and updates: on an existing document it requires the current _rev, otherwise types.ErrConflict is returned.
type Repository interface {
	GetByID(ctx context.Context, id string) (interface{}, error)
	GetAll(ctx context.Context, limit int, skip int) ([]interface{}, error)
	Save(ctx context.Context, docID string, data interface{}) error
	Delete(ctx context.Context, id string) error
	// Find runs a Mango selector query and returns the raw matching documents
	Find(ctx context.Context, selector map[string]interface{}, limit int) ([]interface{}, error)
	GetDBName() string
	GetClient() interface{}
}

// DBSelector picks a repository by database name
type DBSelector interface {
	ChooseDB(dbName string) (Repository, error)
}
