package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jarcoal/httpmock"
	"github.com/mailio/go-mailio-keyshare/types"
)

// implements Repository interface using CouchDB
type CouchDBRepository struct {
	client *resty.Client
	dbName string
}

func NewCouchDBRepository(repoUrl, DBName string, username string, password string, mock bool) (Repository, error) {
	cl := resty.New().SetBaseURL(repoUrl).SetTimeout(time.Second * 10)
	cl.SetHeader("Content-Type", "application/json")
	cl.SetHeader("Accept", "application/json")
	cl.SetHeader("User-Agent", "go-mailio-keyshare/1.0.0")
	cl.SetBasicAuth(username, password)

	if mock {
		httpmock.ActivateNonDefault(cl.GetClient())
	}

	existstRes, exsistsErr := cl.R().Head(DBName)
	if exsistsErr != nil {
		return nil, fmt.Errorf("failed to check if database exists: %s", exsistsErr.Error())
	}
	if existstRes.StatusCode() == 200 {
		return &CouchDBRepository{cl, DBName}, nil
	}

	var ok types.OK
	var dbErr types.CouchDBError
	// create DB since it doesn't exist
	_, cErr := cl.R().SetResult(&ok).SetError(&dbErr).Put(DBName)
	if cErr != nil {
		return nil, fmt.Errorf("failed to create database %s: %w", DBName, cErr)
	}
	if dbErr.Error != "" && dbErr.Error != "file_exists" {
		return nil, fmt.Errorf("failed to create database %s: %s", DBName, dbErr.Error)
	}
	if !ok.IsOK && dbErr.Error == "" {
		return nil, fmt.Errorf("failed to create database %s", DBName)
	}
	return &CouchDBRepository{cl, DBName}, nil
}

func (c *CouchDBRepository) docPath(id string) string {
	return fmt.Sprintf("%s/%s", c.dbName, url.PathEscape(id))
}

// GetByID returns a document by its ID (as *resty.Response, see MapToObject)
func (c *CouchDBRepository) GetByID(ctx context.Context, id string) (interface{}, error) {
	response, err := c.client.R().SetContext(ctx).Get(c.docPath(id))
	if err != nil {
		return nil, err
	}
	if response.IsError() {
		return nil, handleError(response)
	}
	return response, nil
}

// return all documents from database (design documents excluded)
func (c *CouchDBRepository) GetAll(ctx context.Context, limit int, skip int) ([]interface{}, error) {
	var all struct {
		Rows []struct {
			ID  string          `json:"id"`
			Doc json.RawMessage `json:"doc"`
		} `json:"rows"`
	}
	response, err := c.client.R().SetContext(ctx).
		SetQueryParam("include_docs", "true").
		SetQueryParam("limit", fmt.Sprintf("%d", limit)).
		SetQueryParam("skip", fmt.Sprintf("%d", skip)).
		SetResult(&all).
		Get(fmt.Sprintf("%s/_all_docs", c.dbName))
	if err != nil {
		return nil, err
	}
	if response.IsError() {
		return nil, handleError(response)
	}

	documents := make([]interface{}, 0, len(all.Rows))
	for _, row := range all.Rows {
		if strings.HasPrefix(row.ID, "_design/") {
			continue
		}
		documents = append(documents, row.Doc)
	}
	return documents, nil
}

// Save creates a new doc or updates an existing one (data must carry the current _rev)
func (c *CouchDBRepository) Save(ctx context.Context, docID string, data interface{}) error {
	var ok types.OK
	response, err := c.client.R().SetContext(ctx).SetBody(data).SetResult(&ok).Put(c.docPath(docID))
	if err != nil {
		return err
	}
	if response.IsError() {
		return handleError(response)
	}
	return nil
}

// Delete deletes a document by its ID
func (c *CouchDBRepository) Delete(ctx context.Context, id string) error {
	doc, err := c.GetByID(ctx, id)
	if err != nil {
		return err
	}
	var d types.BaseDocument
	if mErr := MapToObject(doc, &d); mErr != nil {
		return mErr
	}

	response, err := c.client.R().SetContext(ctx).SetQueryParam("rev", d.UnderscoreRev).Delete(c.docPath(id))
	if err != nil {
		return err
	}
	if response.IsError() {
		return handleError(response)
	}
	return nil
}

// Find runs a Mango query (_find) and returns the matching documents as json.RawMessage
func (c *CouchDBRepository) Find(ctx context.Context, selector map[string]interface{}, limit int) ([]interface{}, error) {
	query := map[string]interface{}{
		"selector": selector,
	}
	if limit > 0 {
		query["limit"] = limit
	}
	var found struct {
		Docs    []json.RawMessage `json:"docs"`
		Warning string            `json:"warning,omitempty"`
	}
	response, err := c.client.R().SetContext(ctx).SetBody(query).SetResult(&found).Post(fmt.Sprintf("%s/_find", c.dbName))
	if err != nil {
		return nil, err
	}
	if response.IsError() {
		return nil, handleError(response)
	}
	docs := make([]interface{}, len(found.Docs))
	for i, d := range found.Docs {
		docs[i] = d
	}
	return docs, nil
}

// return name of the database
func (c *CouchDBRepository) GetDBName() string {
	return c.dbName
}

// returns a resty client
func (c *CouchDBRepository) GetClient() interface{} {
	return c.client
}
