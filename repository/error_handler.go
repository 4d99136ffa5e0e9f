package repository

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/go-resty/resty/v2"
	"github.com/mailio/go-mailio-keyshare/global"
	"github.com/mailio/go-mailio-keyshare/types"
)

func handleError(reqErr *resty.Response) error {
	if reqErr == nil {
		return types.ErrInternal
	}
	if reqErr.StatusCode() == 404 {
		return types.ErrNotFound
	}
	if reqErr.StatusCode() == 409 {
		return types.ErrConflict
	}
	if reqErr.IsError() {
		var dbErr types.CouchDBError
		uErr := json.Unmarshal(reqErr.Body(), &dbErr)
		if uErr != nil {
			level.Error(global.Logger).Log("msg", "failed to unmarshal couchdb error", "error", uErr)
			return fmt.Errorf("couchdb status %d: %w", reqErr.StatusCode(), types.ErrInternal)
		}
		if dbErr.Error != "" {
			return errors.New(dbErr.Error + ": " + dbErr.Reason)
		}
		return types.ErrBadRequest
	}
	return nil
}
