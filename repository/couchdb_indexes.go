package repository

import (
	"fmt"

	"github.com/go-resty/resty/v2"
)

func createIndex(repo Repository, name string, fields []string) error {
	c, ok := repo.GetClient().(*resty.Client)
	if !ok {
		// in memory repositories scan, nothing to index
		return nil
	}
	indexPayload := map[string]interface{}{
		"index": map[string]interface{}{
			"fields": fields,
		},
		"name": name,
		"type": "json",
		"ddoc": name,
	}
	resp, rErr := c.R().SetBody(indexPayload).Post(fmt.Sprintf("%s/%s", repo.GetDBName(), "_index"))
	if rErr != nil {
		return rErr
	}
	if resp.IsError() {
		outErr := handleError(resp)
		return outErr
	}
	return nil
}

// CreateUserKeyIndexes indexes the user_keys database for lookups by DID and by auth provider
func CreateUserKeyIndexes(userKeyRepo Repository) error {
	if err := createIndex(userKeyRepo, "user-key-primary-did-index", []string{"primaryDid"}); err != nil {
		return err
	}
	return createIndex(userKeyRepo, "user-key-auth-providers-index", []string{"authProviders"})
}

/**
 * CreatePasskeyUserNameIndex creates an index on the passkey_users database for searching by name
 */
func CreatePasskeyUserNameIndex(passkeyRepo Repository) error {
	return createIndex(passkeyRepo, "passkey-user-name-index", []string{"name"})
}
