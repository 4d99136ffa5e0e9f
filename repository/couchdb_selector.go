package repository

import "github.com/mailio/go-mailio-keyshare/types"

const (
	UserKey     = "user_keys"     // one document per contact method (email or phone)
	PasskeyUser = "passkey_users" // webauthn credentials backing passkey recovery
)

// Databases lists every database the server needs
var Databases = []string{UserKey, PasskeyUser}

type CouchDBSelector struct {
	dbs []Repository
}

func NewCouchDBSelector() *CouchDBSelector {
	return &CouchDBSelector{}
}

// adds a database to the databse selector
func (c *CouchDBSelector) AddDB(db Repository) {
	c.dbs = append(c.dbs, db)
}

// returns the required database
func (c *CouchDBSelector) ChooseDB(dbName string) (Repository, error) {
	if len(c.dbs) == 0 {
		return nil, types.ErrNotFound
	}
	for i, r := range c.dbs {
		if r.GetDBName() == dbName {
			return c.dbs[i], nil
		}
	}
	return nil, types.ErrNotFound
}
